// Package main provides the CLI entry point for the machine server.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duplicati/console-machineserver/internal/bus"
	"github.com/duplicati/console-machineserver/internal/config"
	"github.com/duplicati/console-machineserver/internal/control"
	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/node"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "machineserver",
		Short: "Machine server - secure message-relay fabric node",
		Long: `Machine server terminates portal and agent streams and relays
commands between them, within a tenant, across one or more relay nodes.

A node runs in one of two roles: service nodes terminate portal and
agent streams and may dial outward to gateways; gateway nodes
cross-stitch service nodes so a portal attached to one instance can
reach an agent attached to another.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logLevelCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var keyPath string
	var validity time.Duration

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a node identity key",
		Long:  "Generate a new RSA identity key and write it as PEM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(keyPath); err == nil {
				return fmt.Errorf("refusing to overwrite existing key at %s", keyPath)
			}

			identity, err := keys.Generate(time.Now().Add(validity))
			if err != nil {
				return fmt.Errorf("failed to generate identity: %w", err)
			}

			pem, err := identity.PrivatePEM()
			if err != nil {
				return err
			}
			if err := os.WriteFile(keyPath, pem, 0600); err != nil {
				return fmt.Errorf("failed to write key: %w", err)
			}

			fmt.Printf("Identity written to %s\n", keyPath)
			fmt.Printf("Public key hash: %s\n", identity.Fingerprint())
			return nil
		},
	}

	cmd.Flags().StringVarP(&keyPath, "key-file", "k", "./node.key.pem", "Path for the generated private key")
	cmd.Flags().DurationVar(&validity, "validity", 2*365*24*time.Hour, "Key validity period")

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay node",
		Long:  "Start the relay node with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)

			n, err := node.New(cfg, Version, bus.NewMemory(), logger)
			if err != nil {
				return fmt.Errorf("failed to build node: %w", err)
			}

			if err := n.Start(); err != nil {
				return err
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", "signal", sig.String())

			return n.Stop()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			status, err := client.Status()
			if err != nil {
				return err
			}

			fmt.Printf("Instance:  %s\n", status.InstanceID)
			fmt.Printf("Role:      %s\n", status.Role)
			fmt.Printf("Running:   %v\n", status.Running)
			fmt.Printf("Clients:   %d\n", status.Clients)
			fmt.Printf("Gateways:  %d\n", status.Gateways)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}

func logLevelCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "loglevel [debug|info|warn|error]",
		Short: "Change the log verbosity of a running node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			result, err := client.SetLogLevel(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Log level: %s\n", result.Level)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the control socket")

	return cmd
}
