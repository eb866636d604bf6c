package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ventrelay/ventrelay/internal/config"
	errwrap "github.com/ventrelay/ventrelay/internal/errors"
	"github.com/ventrelay/ventrelay/internal/observability"
	"github.com/ventrelay/ventrelay/internal/output"
)

var doctorFormat string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local setup: upstream credentials, the
effective configuration, the config directory, and whether the listen port is
free. Exits non-zero when a check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := output.ParseFormat(doctorFormat)
		if err != nil {
			return err
		}

		cfg, cfgErr := loadConfig(cmd.Context())
		checks := runDoctorChecks(cmd.Context(), cfg, cfgErr)

		if err := output.RenderChecks(cmd.OutOrStdout(), format, checks); err != nil {
			return err
		}

		for _, c := range checks {
			if !c.OK {
				ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Diagnostics failed",
					errwrap.NewConfigInvalidError(c.Name+": "+c.Detail))
				return nil
			}
		}
		observability.CLILogger.Debug("All diagnostic checks passed", zap.Int("checks", len(checks)))
		return nil
	},
}

// runDoctorChecks evaluates every diagnostic. cfg may be nil when cfgErr is set.
func runDoctorChecks(ctx context.Context, cfg *config.Config, cfgErr error) []output.Check {
	checks := []output.Check{
		{Name: "go runtime", OK: true, Detail: runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH},
	}

	version := crucible.GetVersion()
	checks = append(checks,
		output.Check{Name: "gofulmen", OK: version.Gofulmen != "", Detail: version.Gofulmen},
		output.Check{Name: "crucible", OK: version.Crucible != "", Detail: version.Crucible},
	)

	if configPath := config.DefaultConfigPath(); configPath == "" {
		checks = append(checks, output.Check{Name: "config directory", OK: false, Detail: "cannot resolve config directory"})
	} else {
		status := "not present"
		if _, err := os.Stat(configPath); err == nil {
			status = "present"
		}
		checks = append(checks, output.Check{Name: "config directory", OK: true, Detail: configPath + " (" + status + ")"})
	}

	if cfgErr != nil {
		return append(checks, output.Check{Name: "configuration", OK: false, Detail: cfgErr.Error()})
	}

	if cfg.Upstream.APIKey == "" {
		checks = append(checks, output.Check{Name: "upstream api key", OK: false, Detail: config.ErrMissingAPIKey.Error()})
	} else {
		checks = append(checks, output.Check{Name: "upstream api key", OK: true, Detail: "set"})
	}

	if err := cfg.Validate(); err != nil {
		checks = append(checks, output.Check{Name: "configuration", OK: false, Detail: err.Error()})
	} else {
		checks = append(checks, output.Check{Name: "configuration", OK: true,
			Detail: fmt.Sprintf("model %s, %d req/%s", cfg.Upstream.Model, cfg.RateLimit.Requests, cfg.RateLimit.Window)})
	}

	checks = append(checks, checkListen(ctx, cfg.Server.Host, cfg.Server.Port))
	return checks
}

// checkListen reports whether host:port can be bound right now.
func checkListen(ctx context.Context, host string, port int) output.Check {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return output.Check{Name: "listen address", OK: false, Detail: err.Error()}
	}
	_ = ln.Close()
	return output.Check{Name: "listen address", OK: true, Detail: addr}
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorFormat, "format", "table", "output format: table, json, yaml")
}
