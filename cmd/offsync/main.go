// Command offsync records local changes while offline and synchronizes
// them with a sync endpoint or through exchange files.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/c0deZ3R0/offsync/config"
	"github.com/c0deZ3R0/offsync/logging"
)

var (
	configFile string
	jsonOutput bool
	noColor    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	a := &app{}
	a.reload = func() (*config.Config, error) { return config.Load(v, configFile) }

	root := &cobra.Command{
		Use:           "offsync",
		Short:         "Offline-first operation log and sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `offsync keeps a durable log of local changes and delivers them to a
sync endpoint when one is reachable. Devices that never share a network
can exchange files instead.

Configuration is read from offsync.yaml (current directory, then the user
config directory), OFFSYNC_* environment variables and flags, in that
order of precedence. OFFSYNC_REMOTE_URL sets remote.url, and so on.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.reload()
			if err != nil {
				return err
			}
			logging.Init(cfg.Log)
			a.cfg = cfg
			a.logger = logging.Default().WithDevice(cfg.Device)
			a.out = newPrinter(cmd.OutOrStdout(), jsonOutput, noColor)
			if cfg.File != "" {
				a.logger.Debug("config loaded", "file", cfg.File)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file (default: offsync.yaml on the search path)")
	pf.BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
	pf.BoolVar(&noColor, "no-color", false, "disable styled output")
	pf.String("device", "", "device id (default: host name)")
	pf.String("store", "", "storage driver: sqlite, postgres or memory")
	pf.String("db", "", "SQLite database file")
	pf.String("dsn", "", "PostgreSQL connection string")
	pf.String("remote", "", "sync endpoint URL, e.g. https://sync.example.com")
	pf.String("token", "", "bearer token sent to the sync endpoint")
	pf.String("policy", "", "merge policy file (YAML or JSON)")
	pf.String("log-level", "", "debug, info, warn or error")
	bindFlags(v, root, map[string]string{
		"device":    "device",
		"store":     "storage.driver",
		"db":        "storage.path",
		"dsn":       "storage.dsn",
		"remote":    "remote.url",
		"token":     "remote.token",
		"policy":    "policy_file",
		"log-level": "log.level",
	})

	root.AddGroup(
		&cobra.Group{ID: "local", Title: "Local changes:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "run", Title: "Long-running processes:"},
	)
	root.AddCommand(
		enqueueCmd(a),
		statusCmd(a),
		conflictsCmd(a),
		resolveCmd(a),
		compactCmd(a),
		syncCmd(a),
		historyCmd(a),
		exportCmd(a),
		importCmd(a),
		serveCmd(a),
		daemonCmd(a),
	)
	return root
}

// bindFlags makes each flag override its config key. A flag only wins
// when it was set on the command line.
func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}
