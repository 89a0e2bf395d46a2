package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/roles"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

type fakeDirectory struct {
	nextID  int64
	byName  map[string]users.User
	actors  []shared.Actor
	inputs  []users.CreateInput
	failFor string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{byName: map[string]users.User{}}
}

func (d *fakeDirectory) Create(_ context.Context, actor shared.Actor, input users.CreateInput) (users.User, error) {
	if input.Username == d.failFor {
		return users.User{}, errors.New("validation failed")
	}
	d.nextID++
	u := users.User{ID: d.nextID, Username: input.Username, Superadmin: input.Superadmin}
	d.byName[input.Username] = u
	d.actors = append(d.actors, actor)
	d.inputs = append(d.inputs, input)
	return u, nil
}

func (d *fakeDirectory) UsernameTaken(_ context.Context, username string, _ int64) (bool, error) {
	_, ok := d.byName[username]
	return ok, nil
}

type fakeImporter struct {
	policies []roles.Policy
}

func (f *fakeImporter) ImportPolicy(_ context.Context, policy roles.Policy) (int, error) {
	f.policies = append(f.policies, policy)
	return 1, nil
}

type fakeAssigner struct {
	edges map[int64][]string
}

func (f *fakeAssigner) AssignRole(_ context.Context, userID int64, role string) (rbac.AssignResult, error) {
	if f.edges == nil {
		f.edges = map[int64][]string{}
	}
	f.edges[userID] = append(f.edges[userID], role)
	return rbac.Assigned, nil
}

func newSeeder() (*Seeder, *fakeDirectory, *fakeImporter, *fakeAssigner) {
	dir, imp, asg := newFakeDirectory(), &fakeImporter{}, &fakeAssigner{}
	return &Seeder{Users: dir, Existing: dir, Policies: imp, Assignments: asg}, dir, imp, asg
}

var accounts = Accounts{
	AdminUsername: "superadmin",
	AdminPassword: "secret",
	DemoUsername:  "operator",
	DemoPassword:  "secret",
	DemoRole:      "admin",
}

func TestSeederCreatesAccounts(t *testing.T) {
	seeder, dir, imp, asg := newSeeder()
	require.NoError(t, seeder.Run(context.Background(), accounts))

	require.Len(t, imp.policies, 1)
	require.Len(t, dir.inputs, 2)
	assert.True(t, dir.inputs[0].Superadmin)
	assert.False(t, dir.inputs[1].Superadmin)
	assert.Equal(t, dir.inputs[0].Password, dir.inputs[0].RepeatPassword)
	for _, actor := range dir.actors {
		assert.True(t, actor.System)
	}
	assert.Equal(t, []string{"admin"}, asg.edges[dir.byName["operator"].ID])
}

func TestSeederIsIdempotent(t *testing.T) {
	seeder, dir, imp, asg := newSeeder()
	require.NoError(t, seeder.Run(context.Background(), accounts))
	require.NoError(t, seeder.Run(context.Background(), accounts))

	assert.Len(t, imp.policies, 2)
	assert.Len(t, dir.inputs, 2)
	assert.Len(t, asg.edges[dir.byName["operator"].ID], 1)
}

func TestSeederStopsOnUserFailure(t *testing.T) {
	seeder, dir, _, asg := newSeeder()
	dir.failFor = "superadmin"
	err := seeder.Run(context.Background(), accounts)
	assert.ErrorContains(t, err, "superadmin")
	assert.Empty(t, asg.edges)
}

func TestSeederRejectsBadPolicy(t *testing.T) {
	seeder, _, imp, _ := newSeeder()
	seeder.Policy = "roles: [\n"
	assert.Error(t, seeder.Run(context.Background(), accounts))
	assert.Empty(t, imp.policies)
}

func TestDefaultPolicyPlans(t *testing.T) {
	policy, err := roles.ParsePolicy(strings.NewReader(defaultPolicy))
	require.NoError(t, err)
	plan, err := policy.Plan("")
	require.NoError(t, err)

	names := map[string]rbac.ItemType{}
	for _, item := range plan.Items {
		names[item.Name] = item.Type
	}
	assert.Equal(t, rbac.TypeRole, names["admin"])
	assert.Equal(t, rbac.TypePermission, names["commonPermission"])
	assert.Equal(t, rbac.TypeRoute, names["/healthz"])
	for _, scope := range shared.CoreScopes() {
		assert.Equal(t, rbac.TypePermission, names[scope], scope)
	}
	assert.Contains(t, schemaSQL, "auth_item_child")
}

func TestSchemaConfirmedEmailIndexMatchesService(t *testing.T) {
	var index string
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.Contains(stmt, "user_confirmed_email_key") {
			index = strings.Join(strings.Fields(stmt), " ")
		}
	}
	require.NotEmpty(t, index)
	assert.Contains(t, index, `ON "user" (lower(email))`)
	assert.Contains(t, index, "WHERE email_confirmed AND status = "+strconv.Itoa(int(users.StatusActive)))
}

func TestSeederDeclaresMissingCoreScopes(t *testing.T) {
	seeder, _, imp, _ := newSeeder()
	seeder.Policy = "roles:\n  - name: admin\n"
	require.NoError(t, seeder.Run(context.Background(), Accounts{AdminUsername: "root", AdminPassword: "pw"}))

	require.Len(t, imp.policies, 1)
	var names []string
	for _, perm := range imp.policies[0].Permissions {
		names = append(names, perm.Name)
	}
	assert.ElementsMatch(t, shared.CoreScopes(), names)
}
