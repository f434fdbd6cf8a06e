// ABOUTME: Gateway wires the store, credential service, backups, and companion supervisor together
// ABOUTME: It is the single control point through which the desktop shell reaches the core

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/carelink/carelink-core/internal/auth"
	"github.com/carelink/carelink-core/internal/backup"
	"github.com/carelink/carelink-core/internal/companion"
	"github.com/carelink/carelink-core/internal/config"
	"github.com/carelink/carelink-core/internal/crypt"
	"github.com/carelink/carelink-core/internal/dblock"
	"github.com/carelink/carelink-core/internal/store"
)

// Deps are the components a Gateway routes to.
type Deps struct {
	Store     *store.SQLiteStore
	Lock      *dblock.Lock
	Auth      *auth.Service
	Secrets   *auth.SecureConfig
	Backups   *backup.Manager
	Companion *companion.Supervisor

	// AutoBackupInterval enables periodic automatic backups while running.
	AutoBackupInterval time.Duration
	// BackupOnClose takes a "close" backup during Shutdown.
	BackupOnClose bool

	Logger *slog.Logger
}

// Gateway serves the boundary operations for one database file.
type Gateway struct {
	store     *store.SQLiteStore
	lock      *dblock.Lock
	auth      *auth.Service
	secrets   *auth.SecureConfig
	backups   *backup.Manager
	companion *companion.Supervisor
	logger    *slog.Logger

	autoBackupInterval time.Duration
	backupOnClose      bool

	// mu guards the active session.
	mu     sync.Mutex
	active *auth.Session
}

// New creates a gateway from already constructed components.
func New(d Deps) (*Gateway, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("gateway: store is required")
	case d.Lock == nil:
		return nil, errors.New("gateway: database lock is required")
	case d.Auth == nil:
		return nil, errors.New("gateway: credential service is required")
	case d.Backups == nil:
		return nil, errors.New("gateway: backup manager is required")
	case d.Companion == nil:
		return nil, errors.New("gateway: companion supervisor is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Secrets == nil {
		d.Secrets = auth.NewSecureConfig(d.Store, d.Logger)
	}

	return &Gateway{
		store:              d.Store,
		lock:               d.Lock,
		auth:               d.Auth,
		secrets:            d.Secrets,
		backups:            d.Backups,
		companion:          d.Companion,
		logger:             d.Logger.With("component", "gateway"),
		autoBackupInterval: d.AutoBackupInterval,
		backupOnClose:      d.BackupOnClose,
	}, nil
}

// Open builds every component from cfg and returns a ready gateway. The
// caller must call Shutdown.
func Open(ctx context.Context, cfg *config.Config, appVersion string, logger *slog.Logger) (*Gateway, error) {
	st, err := store.NewSQLiteStore(ctx, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	gw, err := assemble(st, cfg, appVersion, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return gw, nil
}

func assemble(st *store.SQLiteStore, cfg *config.Config, appVersion string, logger *slog.Logger) (*Gateway, error) {
	lock, err := dblock.For(st.Path())
	if err != nil {
		return nil, fmt.Errorf("resolving database lock: %w", err)
	}

	svc, err := auth.NewService(st, auth.Options{
		Params: crypt.Params{
			Time:      cfg.Crypto.Argon2Time,
			MemoryKiB: cfg.Crypto.Argon2MemoryKiB,
			Threads:   cfg.Crypto.Argon2Threads,
		},
		SessionTTL: cfg.Session.TTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating credential service: %w", err)
	}

	backups, err := backup.New(st, lock, backup.Options{
		Dir:           cfg.Backup.Dir,
		RetentionDays: cfg.Backup.RetentionDays,
		AppVersion:    appVersion,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backup manager: %w", err)
	}

	sup, err := companion.FromConfig(cfg.Companion, logger)
	if err != nil {
		return nil, fmt.Errorf("creating companion supervisor: %w", err)
	}

	return New(Deps{
		Store:              st,
		Lock:               lock,
		Auth:               svc,
		Secrets:            auth.NewSecureConfig(st, logger),
		Backups:            backups,
		Companion:          sup,
		AutoBackupInterval: cfg.Backup.AutoInterval,
		BackupOnClose:      cfg.Backup.OnClose,
		Logger:             logger,
	})
}

// Backups exposes the backup manager to command-line tools.
func (g *Gateway) Backups() *backup.Manager { return g.backups }

// Companion exposes the supervisor to command-line tools.
func (g *Gateway) Companion() *companion.Supervisor { return g.companion }

// Run starts the companion and the background loops, then calls serve and
// waits for it to return. Background work stops before Run returns.
func (g *Gateway) Run(ctx context.Context, serve func(ctx context.Context) error) error {
	bgCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := g.companion.Start(bgCtx); err != nil && bgCtx.Err() == nil {
			g.logger.Warn("companion not available, running in fallback mode", "error", err)
		}
		g.companion.Run(bgCtx)
	}()

	if g.autoBackupInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.backups.RunAuto(bgCtx, g.autoBackupInterval)
		}()
	}

	err := serve(ctx)
	cancel()
	wg.Wait()
	return err
}

// Shutdown takes the close backup if configured, stops the companion, and
// closes the database. It ends any active session.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if g.backupOnClose {
		if _, err := g.backups.Create(ctx, backup.TypeClose); err != nil {
			errs = append(errs, fmt.Errorf("close backup: %w", err))
		}
	}

	g.endSession()

	if err := g.companion.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping companion: %w", err))
	}
	if err := g.companion.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing companion probe: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

func (g *Gateway) setSession(sess *auth.Session) {
	g.mu.Lock()
	prev := g.active
	g.active = sess
	g.mu.Unlock()

	if prev != nil && prev.ID != sess.ID && prev.UserID != sess.UserID {
		_ = g.auth.Logout(prev.Token)
	}
}

// endSession logs out and forgets the active session, if any.
func (g *Gateway) endSession() {
	g.mu.Lock()
	prev := g.active
	g.active = nil
	g.mu.Unlock()
	if prev != nil {
		_ = g.auth.Logout(prev.Token)
	}
}

// withSession resolves the active session and binds it to ctx. Without a
// login there is no key, so the error is crypt.ErrKeyUnavailable.
func (g *Gateway) withSession(ctx context.Context) (context.Context, *auth.Session, error) {
	g.mu.Lock()
	active := g.active
	g.mu.Unlock()
	if active == nil {
		return ctx, nil, fmt.Errorf("%w: not logged in", crypt.ErrKeyUnavailable)
	}

	sess, err := g.auth.Authenticate(active.Token)
	if err != nil {
		g.mu.Lock()
		if g.active == active {
			g.active = nil
		}
		g.mu.Unlock()
		return ctx, nil, err
	}
	return auth.WithSession(ctx, sess), sess, nil
}

// shared runs fn holding the database lock in shared mode.
func shared[T any](ctx context.Context, l *dblock.Lock, fn func() (T, error)) (T, error) {
	release, err := l.Shared(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn()
}

// exclusive runs fn holding the database lock exclusively.
func exclusive[T any](ctx context.Context, l *dblock.Lock, fn func() (T, error)) (T, error) {
	release, err := l.Exclusive(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn()
}

func (g *Gateway) audit(ctx context.Context, e *store.AuditEntry) {
	if err := g.store.AppendAuditLog(ctx, e); err != nil {
		g.logger.Warn("failed to append audit entry", "action", e.Action, "error", err)
	}
}
