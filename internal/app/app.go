// Package app is the gateway composition root. New opens the store and the
// data-dir credential files, builds the adapters from stored settings, and
// wires the webhook processor, invite coordinator, sweeper and HTTP server
// around one shared per-donor lock table; Serve runs the result until the
// context ends.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/donorgate/donorgate/internal/platform/keymutex"
	"github.com/donorgate/donorgate/internal/platform/timeouts"
	"github.com/donorgate/donorgate/internal/provision"
	"github.com/donorgate/donorgate/internal/storage/sqlite"
	"github.com/donorgate/donorgate/internal/sweep"
	"github.com/donorgate/donorgate/internal/web"
	"github.com/donorgate/donorgate/internal/webhook"
)

// databaseFile is the sqlite store inside the data dir.
const databaseFile = "gateway.db"

// Config carries the gateway process configuration. Operational settings
// (payment, media, mail, trial, cooldown, announcements, appearance) live in
// the store and are edited at runtime through the admin surface; Config is
// only what must be known before the store is open.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// DataDir holds the database, the credentials file and the generated
	// secrets.
	DataDir string
	// BaseURL roots the links carried in outbound mail and funnel pages.
	BaseURL string
	// SessionSecret signs donor session tokens and the admin cookie; when
	// empty a generated secret is persisted in the data dir.
	SessionSecret string
	// SecureCookies marks the admin cookie Secure; enable behind TLS.
	SecureCookies bool
	// AdminUsername seeds the credentials file on first run only.
	AdminUsername string
	// RefreshInterval bounds how often one subscription is re-fetched from
	// the payment processor.
	RefreshInterval time.Duration
	Now             func() time.Time
}

// App bundles the gateway's components between construction and serving.
type App struct {
	store   *sqlite.Store
	sweeper *sweep.Sweeper
	server  *web.Server
}

// New builds a gateway from its configuration. The data dir and its
// credential files are created on first run; the returned App owns the
// store until Close.
func New(ctx context.Context, cfg Config) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "data"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := sqlite.Open(filepath.Join(cfg.DataDir, databaseFile))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Every failure past this point must release the store.
	closeStore := func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close store: %v", closeErr)
		}
	}

	creds, generated, err := EnsureAdminCredentials(cfg.DataDir, cfg.AdminUsername)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("ensure admin credentials: %w", err)
	}
	if generated != "" {
		// Printed exactly once; the hash on disk is not recoverable.
		log.Printf("generated admin credentials: username=%s password=%s", creds.Username, generated)
	}

	secret := strings.TrimSpace(cfg.SessionSecret)
	if secret == "" {
		secret, err = loadOrCreateSessionSecret(cfg.DataDir)
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("session secret: %w", err)
		}
	}
	clientID, err := loadOrCreateClientID(cfg.DataDir)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("client id: %w", err)
	}

	hub, err := newAdapterHub(ctx, store, clientID)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("build adapters: %w", err)
	}

	locks := keymutex.New()
	provisioner := provision.New(provision.Config{
		Store:   store,
		Media:   mediaProvisioner{hub},
		Locks:   locks,
		Mailer:  mailSender{hub},
		BaseURL: cfg.BaseURL,
		Now:     cfg.Now,
	})
	processor := webhook.New(webhook.Config{
		Store:    store,
		Verifier: paymentGateway{hub},
		Locks:    locks,
		Mailer:   mailSender{hub},
		Revoker:  provisioner,
		Now:      cfg.Now,
	})
	sweeper := sweep.New(sweep.Config{
		Store:           store,
		Payment:         paymentGateway{hub},
		Revoker:         provisioner,
		Mailer:          mailSender{hub},
		Locks:           locks,
		BaseURL:         cfg.BaseURL,
		RefreshInterval: cfg.RefreshInterval,
		Now:             cfg.Now,
	})

	server, err := web.NewServer(web.Config{
		Addr:              cfg.Addr,
		BaseURL:           cfg.BaseURL,
		SessionSecret:     secret,
		SecureCookies:     cfg.SecureCookies,
		AdminUsername:     creds.Username,
		AdminPasswordHash: creds.PasswordHash,
		Store:             store,
		Webhooks:          processor,
		Provisioner:       provisioner,
		Sweeper:           sweeper,
		Payment:           paymentGateway{hub},
		MediaAuth:         mediaLinker{hub},
		Mailer:            mailSender{hub},
		Tester:            hub,
		Reload:            hub.Reload,
		Locks:             locks,
		Now:               cfg.Now,
	})
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("build web server: %w", err)
	}

	return &App{store: store, sweeper: sweeper, server: server}, nil
}

// Serve runs the HTTP server and the sweeper until the context ends or one
// of them fails. Shutdown is graceful: the HTTP server stops accepting and
// drains, and the sweeper finishes in-flight ticks.
func (a *App) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(groupCtx)
	})
	g.Go(func() error {
		if err := a.sweeper.Start(groupCtx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
		<-groupCtx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), timeouts.SweepDrain)
		defer cancel()
		if err := a.sweeper.Stop(stopCtx); err != nil {
			return fmt.Errorf("drain sweeper: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases the store. Call after Serve returns.
func (a *App) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Run builds the gateway and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	a, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			log.Printf("close store: %v", closeErr)
		}
	}()
	return a.Serve(ctx)
}
