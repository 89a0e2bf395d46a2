package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-iam/internal/shared"
)

// rebuildTimeout bounds a shared snapshot load.
const rebuildTimeout = 5 * time.Second

// Recorder receives decision and rebuild events for metrics.
type Recorder interface {
	ObserveDecision(check string, allowed bool)
	ObserveRebuild(err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveDecision(string, bool) {}
func (nopRecorder) ObserveRebuild(error)         {}

// Config groups the Authorizer collaborators.
type Config struct {
	Store       Store
	Versions    VersionSource
	FreeAccess  *FreeAccess
	Logger      *slog.Logger
	Recorder    Recorder
	RoutePrefix string
	Now         func() time.Time
}

// Authorizer answers role, permission and route checks for an actor and
// manages role assignments. Checks never return errors: a failing store or
// version read is logged and the check is denied.
type Authorizer struct {
	store    Store
	versions VersionSource
	free     *FreeAccess
	logger   *slog.Logger
	recorder Recorder
	prefix   string
	now      func() time.Time
	group    singleflight.Group
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(cfg Config) *Authorizer {
	a := &Authorizer{
		store:    cfg.Store,
		versions: cfg.Versions,
		free:     cfg.FreeAccess,
		logger:   cfg.Logger,
		recorder: cfg.Recorder,
		prefix:   cfg.RoutePrefix,
		now:      cfg.Now,
	}
	if a.versions == nil {
		a.versions = &MemoryVersion{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.recorder == nil {
		a.recorder = nopRecorder{}
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

type checkOptions struct {
	denySuperadmin bool
	childRoles     bool
}

// CheckOption tunes a single check.
type CheckOption func(*checkOptions)

// WithoutSuperadmin evaluates superadmins like everybody else.
func WithoutSuperadmin() CheckOption {
	return func(o *checkOptions) { o.denySuperadmin = true }
}

// IncludeChildRoles makes HasRole match roles inherited through child edges.
func IncludeChildRoles() CheckOption {
	return func(o *checkOptions) { o.childRoles = true }
}

func buildOptions(opts []CheckOption) checkOptions {
	var o checkOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// HasRole reports whether the actor holds at least one of roles.
func (a *Authorizer) HasRole(ctx context.Context, actor shared.Actor, sess SessionStore, roles []string, opts ...CheckOption) bool {
	o := buildOptions(opts)
	if !o.denySuperadmin && actor.Superadmin {
		return a.decide("role", true)
	}
	snap, err := a.current(ctx, actor, sess)
	if err != nil {
		a.logger.Error("rbac has role", slog.Int64("user_id", actor.UserID), slog.Any("error", err))
		return a.decide("role", false)
	}
	return a.decide("role", snap.HasAnyRole(roles, o.childRoles))
}

// HasPermission reports whether the actor holds permission.
func (a *Authorizer) HasPermission(ctx context.Context, actor shared.Actor, sess SessionStore, permission string, opts ...CheckOption) bool {
	o := buildOptions(opts)
	if !o.denySuperadmin && actor.Superadmin {
		return a.decide("permission", true)
	}
	snap, err := a.current(ctx, actor, sess)
	if err != nil {
		a.logger.Error("rbac has permission", slog.Int64("user_id", actor.UserID), slog.Any("error", err))
		return a.decide("permission", false)
	}
	return a.decide("permission", snap.HasPermission(permission))
}

// CanRoute reports whether the actor may reach route. Free access routes pass
// for everybody, including anonymous visitors.
func (a *Authorizer) CanRoute(ctx context.Context, actor shared.Actor, sess SessionStore, route string, opts ...CheckOption) bool {
	o := buildOptions(opts)
	if !o.denySuperadmin && actor.Superadmin {
		return a.decide("route", true)
	}
	route = NormalizeRoute(route, a.prefix)

	version, err := a.versions.Current(ctx)
	if err != nil {
		a.logger.Error("rbac can route", slog.String("route", route), slog.Any("error", err))
		return a.decide("route", false)
	}
	free, err := a.free.Allows(ctx, route, version)
	if err != nil {
		a.logger.Error("rbac free access", slog.String("route", route), slog.Any("error", err))
		return a.decide("route", false)
	}
	if free {
		return a.decide("route", true)
	}
	snap, err := a.snapshotAt(ctx, actor, sess, version)
	if err != nil {
		a.logger.Error("rbac can route", slog.String("route", route), slog.Int64("user_id", actor.UserID), slog.Any("error", err))
		return a.decide("route", false)
	}
	return a.decide("route", snap.AllowsRoute(route))
}

// Snapshot returns the actor's current grants, rebuilding them when stale.
func (a *Authorizer) Snapshot(ctx context.Context, actor shared.Actor, sess SessionStore) (Snapshot, error) {
	return a.current(ctx, actor, sess)
}

// AssignRole stores a user→role edge and invalidates every snapshot. When the
// version cannot be bumped the edge is removed again and the assignment fails,
// so no snapshot outlives the store.
func (a *Authorizer) AssignRole(ctx context.Context, userID int64, role string) (AssignResult, error) {
	role = strings.TrimSpace(role)
	if userID <= 0 || role == "" {
		return AssignFailed, ErrInvalidAssignment
	}
	err := a.store.InsertAssignment(ctx, userID, role, a.now())
	switch {
	case err == nil:
	case errors.Is(err, ErrAssignmentExists):
		return AlreadyAssigned, nil
	default:
		return AssignFailed, fmt.Errorf("rbac: assign %s to user %d: %w", role, userID, err)
	}
	if err := a.Invalidate(ctx); err != nil {
		if _, undoErr := a.store.DeleteAssignment(ctx, userID, role); undoErr != nil {
			a.logger.Error("rbac undo assignment", slog.Int64("user_id", userID), slog.String("role", role), slog.Any("error", undoErr))
		}
		return AssignFailed, fmt.Errorf("rbac: assign %s to user %d: %w", role, userID, err)
	}
	return Assigned, nil
}

// RevokeRole deletes a user→role edge. It reports whether an edge existed.
// When the version cannot be bumped the edge is restored and an error returned.
func (a *Authorizer) RevokeRole(ctx context.Context, userID int64, role string) (bool, error) {
	role = strings.TrimSpace(role)
	if userID <= 0 || role == "" {
		return false, ErrInvalidAssignment
	}
	n, err := a.store.DeleteAssignment(ctx, userID, role)
	if err != nil {
		return false, fmt.Errorf("rbac: revoke %s from user %d: %w", role, userID, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := a.Invalidate(ctx); err != nil {
		if undoErr := a.store.InsertAssignment(ctx, userID, role, a.now()); undoErr != nil {
			a.logger.Error("rbac undo revoke", slog.Int64("user_id", userID), slog.String("role", role), slog.Any("error", undoErr))
		}
		return false, fmt.Errorf("rbac: revoke %s from user %d: %w", role, userID, err)
	}
	return true, nil
}

// Assignments lists the roles directly assigned to a user.
func (a *Authorizer) Assignments(ctx context.Context, userID int64) ([]Assignment, error) {
	return a.store.ListAssignments(ctx, userID)
}

// Invalidate bumps the global permission version.
func (a *Authorizer) Invalidate(ctx context.Context) error {
	_, err := a.versions.Bump(ctx)
	return err
}

func (a *Authorizer) current(ctx context.Context, actor shared.Actor, sess SessionStore) (Snapshot, error) {
	version, err := a.versions.Current(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return a.snapshotAt(ctx, actor, sess, version)
}

func (a *Authorizer) snapshotAt(ctx context.Context, actor shared.Actor, sess SessionStore, version int64) (Snapshot, error) {
	if cached, ok := loadSnapshot(sess); ok && cached.Version == version && cached.UserID == actor.UserID {
		return cached, nil
	}
	snap, err := a.rebuild(ctx, actor.UserID, version)
	a.recorder.ObserveRebuild(err)
	if err != nil {
		return Snapshot{}, err
	}
	if err := storeSnapshot(sess, snap); err != nil {
		a.logger.Warn("rbac store snapshot", slog.Any("error", err))
	}
	return snap, nil
}

func (a *Authorizer) rebuild(ctx context.Context, userID, version int64) (Snapshot, error) {
	if userID == 0 {
		return BuildSnapshot(0, version, Grants{}, a.now()), nil
	}
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(version, 10)
	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		// Shared by merged callers; outlives a cancelled caller.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rebuildTimeout)
		defer cancel()
		grants, err := a.store.LoadGrants(loadCtx, userID)
		if err != nil {
			return nil, err
		}
		return BuildSnapshot(userID, version, grants, a.now()), nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: rebuild snapshot: %w", err)
	}
	return v.(Snapshot), nil
}

func (a *Authorizer) decide(check string, allowed bool) bool {
	a.recorder.ObserveDecision(check, allowed)
	return allowed
}
