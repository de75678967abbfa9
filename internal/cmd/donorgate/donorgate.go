// Package donorgate parses gateway command flags and launches the gateway
// runtime.
package donorgate

import (
	"context"
	"flag"
	"time"

	"github.com/donorgate/donorgate/internal/app"
	entrypoint "github.com/donorgate/donorgate/internal/platform/cmd"
)

// Config holds gateway command configuration.
type Config struct {
	Addr            string        `env:"DONORGATE_ADDR" envDefault:":8080"`
	DataDir         string        `env:"DONORGATE_DATA_DIR" envDefault:"data"`
	BaseURL         string        `env:"DONORGATE_BASE_URL"`
	SessionSecret   string        `env:"DONORGATE_SESSION_SECRET"`
	SecureCookies   bool          `env:"DONORGATE_SECURE_COOKIES" envDefault:"true"`
	AdminUsername   string        `env:"DONORGATE_ADMIN_USERNAME" envDefault:"admin"`
	RefreshInterval time.Duration `env:"DONORGATE_REFRESH_INTERVAL" envDefault:"12h"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP listen address")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "The directory for the database and credential files")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "The public base URL for links in mail and funnel pages")
	fs.StringVar(&cfg.SessionSecret, "session-secret", cfg.SessionSecret, "The session signing secret; generated and persisted when empty")
	fs.BoolVar(&cfg.SecureCookies, "secure-cookies", cfg.SecureCookies, "Mark the admin session cookie Secure")
	fs.StringVar(&cfg.AdminUsername, "admin-username", cfg.AdminUsername, "The seed admin username for first run")
	fs.DurationVar(&cfg.RefreshInterval, "refresh-interval", cfg.RefreshInterval, "Minimum interval between subscription refreshes per donor")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the gateway runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGateway, func(context.Context) error {
		return app.Run(ctx, app.Config{
			Addr:            cfg.Addr,
			DataDir:         cfg.DataDir,
			BaseURL:         cfg.BaseURL,
			SessionSecret:   cfg.SessionSecret,
			SecureCookies:   cfg.SecureCookies,
			AdminUsername:   cfg.AdminUsername,
			RefreshInterval: cfg.RefreshInterval,
		})
	})
}
