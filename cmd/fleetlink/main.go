package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetlink/fleetlink/pkg/auth"
	"github.com/fleetlink/fleetlink/pkg/client"
	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/log"
	"github.com/fleetlink/fleetlink/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetlink",
	Short: "FleetLink - federate game server groups from one account",
	Long: `FleetLink keeps a long-running connection to the game platform:
it authenticates a bot or user account, tracks every group the account
belongs to, and opens a console connection to each eligible game server.

Consoles survive socket migrations, abnormal closes, and heartbeat loss
without operator intervention.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"FleetLink version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the federation client",
	Long: `Run the federation client until interrupted.

Reads credentials and tuning from a YAML config file, starts the client,
and logs every lifecycle event. SIGINT or SIGTERM triggers a clean stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("json")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		c, err := client.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create client: %v", err)
		}

		if metricsAddr != "" {
			metrics.Register()
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Errorf("metrics server failed", err)
				}
			}()
		}

		sub := c.Events().Subscribe()
		go func() {
			eventLog := log.WithComponent("events")
			for event := range sub {
				eventLog.Info().
					Str("event", string(event.Type)).
					Str("id", event.ID).
					Msg("client event")
			}
		}()

		if err := c.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start client: %v", err)
		}

		fmt.Println("FleetLink is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")

		c.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password PASSWORD",
	Short: "Hash a password for the config file",
	Long: `Hash a password the way the platform expects it.

The output can be placed in the config file's password field so the
plaintext never has to be stored. Hashing an already hashed value
returns it unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(auth.HashPassword(args[0]))
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "fleetlink.yaml", "Path to YAML config file")
	runCmd.Flags().String("log-level", "info", "Log level (quiet, error, warning, info, debug)")
	runCmd.Flags().Bool("json", false, "Emit JSON logs")
	runCmd.Flags().String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled when empty)")
}
