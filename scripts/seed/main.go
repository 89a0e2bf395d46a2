package main

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/roles"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
)

//go:embed schema.sql
var schemaSQL string

//go:embed policy.yaml
var defaultPolicy string

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	fmt.Println("→ Applying schema...")
	if err := applySchema(ctx, pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	store := rbac.NewStore(pool)
	authorizer := rbac.NewAuthorizer(rbac.Config{
		Store:       store,
		Versions:    rbac.NewRedisVersion(redisClient, cfg.RBACVersionKey),
		FreeAccess:  rbac.NewFreeAccess(cfg.RBACFreeRoutes, cfg.RBACCommonPermission, store, cfg.RBACRoutePrefix),
		Logger:      logger,
		RoutePrefix: cfg.RBACRoutePrefix,
	})
	userRepo := users.NewRepository(pool)
	seeder := &Seeder{
		Users: users.NewService(userRepo, users.Config{
			BcryptCost: cfg.BcryptCost,
			Audit:      shared.NewAuditLogger(pool),
			Logger:     logger,
		}),
		Existing:    userRepo,
		Policies:    roles.NewService(roles.NewRepository(pool), authorizer, cfg.RBACRoutePrefix),
		Assignments: authorizer,
		Logger:      logger,
	}

	fmt.Println("→ Seeding policy and users...")
	if err := seeder.Run(ctx, Accounts{
		AdminUsername: getenv("SEED_ADMIN_USERNAME", "superadmin"),
		AdminPassword: getenv("SEED_ADMIN_PASSWORD", "superadmin"),
		DemoUsername:  getenv("SEED_DEMO_USERNAME", "operator"),
		DemoPassword:  getenv("SEED_DEMO_PASSWORD", "operator"),
		DemoRole:      "admin",
	}); err != nil {
		log.Fatalf("seed: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// UserCreator creates accounts through the regular validation path.
type UserCreator interface {
	Create(ctx context.Context, actor shared.Actor, input users.CreateInput) (users.User, error)
}

// UserLookup reports whether a username is already registered.
type UserLookup interface {
	UsernameTaken(ctx context.Context, username string, exceptID int64) (bool, error)
}

// PolicyImporter writes a policy into the catalog.
type PolicyImporter interface {
	ImportPolicy(ctx context.Context, policy roles.Policy) (int, error)
}

// RoleAssigner grants a role to a user.
type RoleAssigner interface {
	AssignRole(ctx context.Context, userID int64, role string) (rbac.AssignResult, error)
}

// Accounts lists the credentials of the seeded users.
type Accounts struct {
	AdminUsername string
	AdminPassword string
	DemoUsername  string
	DemoPassword  string
	DemoRole      string
}

// Seeder loads the default policy and bootstrap accounts. Running it twice
// leaves the data unchanged.
type Seeder struct {
	Users       UserCreator
	Existing    UserLookup
	Policies    PolicyImporter
	Assignments RoleAssigner
	Policy      string
	Logger      *slog.Logger
}

// Run imports the policy, then creates the superadmin and the demo user.
func (s *Seeder) Run(ctx context.Context, accounts Accounts) error {
	doc := s.Policy
	if doc == "" {
		doc = defaultPolicy
	}
	policy, err := roles.ParsePolicy(strings.NewReader(doc))
	if err != nil {
		return err
	}
	policy = withCoreScopes(policy)
	written, err := s.Policies.ImportPolicy(ctx, policy)
	if err != nil {
		return fmt.Errorf("import policy: %w", err)
	}
	s.logger().Info("policy imported", slog.Int("written", written))

	actor := shared.SystemActor()
	if _, _, err := s.ensureUser(ctx, actor, accounts.AdminUsername, accounts.AdminPassword, true); err != nil {
		return fmt.Errorf("superadmin: %w", err)
	}
	if accounts.DemoUsername == "" {
		return nil
	}
	demo, created, err := s.ensureUser(ctx, actor, accounts.DemoUsername, accounts.DemoPassword, false)
	if err != nil {
		return fmt.Errorf("demo user: %w", err)
	}
	if !created || accounts.DemoRole == "" {
		return nil
	}
	result, err := s.Assignments.AssignRole(ctx, demo.ID, accounts.DemoRole)
	if err != nil {
		return fmt.Errorf("assign %s: %w", accounts.DemoRole, err)
	}
	s.logger().Info("role assigned", slog.String("role", accounts.DemoRole), slog.String("result", result.String()))
	return nil
}

// withCoreScopes declares every built-in permission the document left out, so
// handlers guarded by them always have a grantable item.
func withCoreScopes(policy roles.Policy) roles.Policy {
	declared := make(map[string]bool, len(policy.Permissions))
	for _, perm := range policy.Permissions {
		declared[strings.TrimSpace(perm.Name)] = true
	}
	for _, scope := range shared.CoreScopes() {
		if !declared[scope] {
			policy.Permissions = append(policy.Permissions, roles.PolicyItem{Name: scope})
		}
	}
	return policy
}

func (s *Seeder) ensureUser(ctx context.Context, actor shared.Actor, username, password string, superadmin bool) (users.User, bool, error) {
	taken, err := s.Existing.UsernameTaken(ctx, username, 0)
	if err != nil {
		return users.User{}, false, err
	}
	if taken {
		s.logger().Info("user exists, skipping", slog.String("username", username))
		return users.User{}, false, nil
	}
	user, err := s.Users.Create(ctx, actor, users.CreateInput{
		Username:       username,
		Password:       password,
		RepeatPassword: password,
		Superadmin:     superadmin,
	})
	if err != nil {
		return users.User{}, false, err
	}
	s.logger().Info("user created", slog.String("username", username), slog.Int64("id", user.ID))
	return user, true, nil
}

func (s *Seeder) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
