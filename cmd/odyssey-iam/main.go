package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-iam/cmd/odyssey-iam/cli"
	"github.com/odyssey-erp/odyssey-iam/internal/app"
	"github.com/odyssey-erp/odyssey-iam/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-iam/internal/audit/http"
	"github.com/odyssey-erp/odyssey-iam/internal/auth"
	"github.com/odyssey-erp/odyssey-iam/internal/observability"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-iam/internal/platform/db"
	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/roles"
	"github.com/odyssey-erp/odyssey-iam/internal/shared"
	"github.com/odyssey-erp/odyssey-iam/internal/users"
	"github.com/odyssey-erp/odyssey-iam/jobs"
)

const usage = `usage:
  odyssey-iam                                  run the HTTP server
  odyssey-iam policy import [-dry-run] [-json] <file.yaml>
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	switch {
	case len(args) == 0 || args[0] == "serve":
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case len(args) >= 2 && args[0] == "policy" && args[1] == "import":
		os.Exit(policyImport(ctx, cfg, logger, args[2:]))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// platform holds the connections shared by the server and the CLI.
type platform struct {
	pool       *pgxpool.Pool
	redis      *redis.Client
	authorizer *rbac.Authorizer
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger, recorder rbac.Recorder) (*platform, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	closeAll := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
		pool.Close()
	}

	store := rbac.NewStore(pool)
	authorizer := rbac.NewAuthorizer(rbac.Config{
		Store:       store,
		Versions:    rbac.NewRedisVersion(redisClient, cfg.RBACVersionKey),
		FreeAccess:  rbac.NewFreeAccess(cfg.RBACFreeRoutes, cfg.RBACCommonPermission, store, cfg.RBACRoutePrefix),
		Logger:      logger,
		Recorder:    recorder,
		RoutePrefix: cfg.RBACRoutePrefix,
	})
	return &platform{pool: pool, redis: redisClient, authorizer: authorizer}, closeAll, nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	p, closeAll, err := connect(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer closeAll()

	sessionManager := shared.NewSessionManager(p.redis, "odyssey_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(p.pool)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	usersService := users.NewService(users.NewRepository(p.pool), users.Config{
		BcryptCost:    cfg.BcryptCost,
		Confirmations: jobs.NewConfirmationMailer(jobClient, cfg.AppBaseURL),
		Audit:         auditLogger,
		Logger:        logger,
	})
	rbacMiddleware := rbac.Middleware{Authorizer: p.authorizer, Principals: usersService, Logger: logger}

	authService := auth.NewService(auth.NewRepository(p.pool))
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager, cfg.LoginRateLimit)
	usersHandler := users.NewHandler(logger, usersService, rbacMiddleware)
	rolesService := roles.NewService(roles.NewRepository(p.pool), p.authorizer, cfg.RBACRoutePrefix)
	rolesHandler := roles.NewHandler(logger, rolesService, auditLogger, rbacMiddleware)
	rbacHandler := rbac.NewHandler(logger, p.authorizer, auditLogger, rbacMiddleware)
	auditHandler := audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(p.pool)), rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		AuthHandler:    authHandler,
		UsersHandler:   usersHandler,
		RolesHandler:   rolesHandler,
		RBACHandler:    rbacHandler,
		AuditHandler:   auditHandler,
		RBACMiddleware: rbacMiddleware,
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func policyImport(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("policy import", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "validate the file without writing")
	jsonOut := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	opts := cli.PolicyImportOptions{Path: fs.Arg(0), DryRun: *dryRun, JSONOutput: *jsonOut}
	if *dryRun {
		return cli.NewPolicyCLI(nil, cfg.RBACRoutePrefix).ImportCommand(ctx, opts)
	}

	p, closeAll, err := connect(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer closeAll()
	service := roles.NewService(roles.NewRepository(p.pool), p.authorizer, cfg.RBACRoutePrefix)
	return cli.NewPolicyCLI(service, cfg.RBACRoutePrefix).ImportCommand(ctx, opts)
}
