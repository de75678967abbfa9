// Package resetadmin rewrites the operator credentials file for the
// gateway.
package resetadmin

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/donorgate/donorgate/internal/app"
	entrypoint "github.com/donorgate/donorgate/internal/platform/cmd"
)

// Config holds resetadmin command configuration. Password deliberately has
// no environment binding; it is flag-only.
type Config struct {
	DataDir  string `env:"DONORGATE_DATA_DIR" envDefault:"data"`
	Username string `env:"DONORGATE_ADMIN_USERNAME" envDefault:"admin"`
	Password string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "The directory holding the credentials file")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "The operator username to write")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "The new password; generated when empty")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run rewrites the credentials file and prints the resulting credentials to
// out.
func Run(cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	creds, password, err := app.ResetAdminCredentials(cfg.DataDir, cfg.Username, cfg.Password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "username: %s\npassword: %s\n", creds.Username, password)
	return err
}
