package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ekehi.network/internal/access"
	"ekehi.network/internal/audit"
	"ekehi.network/internal/auth"
	"ekehi.network/internal/config"
	"ekehi.network/internal/httpapi"
	"ekehi.network/internal/ledger"
	"ekehi.network/internal/obs"
	"ekehi.network/internal/rpc"
	"ekehi.network/internal/session"
	"ekehi.network/internal/store/pg"
	"ekehi.network/internal/stream"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, rootOpts.Version, rootOpts.Commit)
		},
	}
}

// App is the assembled service graph.
type App struct {
	Config   config.Config
	Engine   *ledger.Engine
	Sessions *session.Manager
	Gate     *access.Gate
	API      *httpapi.API
	RPC      *rpc.Server

	closers []func() error
}

// Close releases storage handles.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// NewApp builds every component from cfg. An empty database DSN keeps the
// ledger in memory.
func NewApp(cfg config.Config, version string) (*App, error) {
	app := &App{Config: cfg}

	var pgStore *pg.Store
	var ledgerStore ledger.Store = ledger.NewInMemory()
	var ready httpapi.ReadyProbe
	if cfg.Database.DSN != "" {
		s, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		pgStore = s
		ledgerStore = s
		ready = httpapi.PingProbe{Pinger: s}
		app.closers = append(app.closers, s.Close)
	} else {
		ready = httpapi.PingProbe{}
	}

	var sink audit.Sink = audit.LogSink{}
	switch cfg.Audit.Sink {
	case "postgres":
		sink = pgStore.AuditSink()
	case "both":
		sink = audit.MultiSink{audit.LogSink{}, pgStore.AuditSink()}
	}
	logger := audit.New(sink)

	var sessionStore session.Store
	switch cfg.Session.Backend {
	case config.SessionSealed:
		key, err := cfg.SealKey()
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		sealed, err := session.NewSealedStore(key)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		sessionStore = session.NewKVStore(sealed)
	case config.SessionPostgres:
		sessionStore = pgStore.Sessions()
	default:
		sessionStore = session.NewMemoryStore()
	}

	signer, err := auth.NewSigner([]byte(cfg.Auth.JWTSecret), auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Engine = ledger.NewEngine(ledgerStore,
		ledger.WithTuning(cfg.Tuning()),
		ledger.WithLocation(cfg.Location()),
		ledger.WithLockTimeout(cfg.Database.LockTimeout.Duration),
		ledger.WithAudit(logger),
	)
	app.Sessions = session.NewManager(sessionStore,
		session.WithTimeout(cfg.Session.Timeout.Duration),
		session.WithAudit(logger),
	)
	app.Gate = access.NewGate(logger)

	app.API = httpapi.New(httpapi.Deps{
		Engine:   app.Engine,
		Sessions: app.Sessions,
		Gate:     app.Gate,
		Audit:    logger,
		Signer:   signer,
		Stream:   stream.New(),
		Ready:    ready,
		Version:  version,
	},
		httpapi.WithDevTokens(cfg.Auth.DevTokens, cfg.Auth.TokenTTL.Duration),
		httpapi.WithRateLimit(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
	)
	app.RPC = rpc.NewServer(rpc.Deps{
		Gate:     app.Gate,
		Subjects: app.Engine,
		Signer:   signer,
		Ready:    ready,
	})
	return app, nil
}

// Maintain runs one housekeeping pass: expired sessions are purged and the
// gRPC health status is refreshed.
func (a *App) Maintain(ctx context.Context) {
	if err := a.RPC.UpdateHealth(ctx); err != nil {
		obs.Warn("not_ready", map[string]any{"error": err.Error()})
	}
	n, err := a.Sessions.PurgeExpired(ctx)
	if err != nil {
		obs.Error("session_purge_failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		obs.Info("sessions_purged", map[string]any{"count": n})
	}
}

func runServe(ctx context.Context, cfg config.Config, version, commit string) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	app, err := NewApp(cfg, version)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.API.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout.Duration,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout:      cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:       60 * time.Second,
	}
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errc := make(chan error, 2)
	go func() {
		obs.Info("http_listening", map[string]any{"addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		obs.Info("grpc_listening", map[string]any{"addr": cfg.GRPC.Addr})
		if err := app.RPC.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()

	app.Maintain(ctx)
	interval := cfg.Session.PurgeInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-errc:
			break loop
		case <-ticker.C:
			app.Maintain(ctx)
		}
	}

	obs.Info("shutting_down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http_shutdown_failed", map[string]any{"error": err.Error()})
	}
	app.RPC.GracefulStop()
	obs.Info("stopped", nil)
	return runErr
}
