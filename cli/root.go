// Package cli wires the engine into a cobra command tree: the root command
// runs the REST server, subcommands cover definition validation.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bpmn.evalgo.org/api"
	"bpmn.evalgo.org/bpmn"
	"bpmn.evalgo.org/common"
	"bpmn.evalgo.org/config"
	"bpmn.evalgo.org/db"
	"bpmn.evalgo.org/engine"
	"bpmn.evalgo.org/executor"
	"bpmn.evalgo.org/version"
)

var cfgFile string

// RootCmd runs the workflow engine server.
var RootCmd = &cobra.Command{
	Use:   "bpmn-engine",
	Short: "BPMN 2.0 workflow engine",
	Long: `bpmn-engine executes BPMN 2.0 process definitions: it parses process
XML, runs service tasks through registered delegates, suspends at user
tasks, and persists every instance to PostgreSQL so execution survives
restarts. The server exposes the engine over REST.`,
	RunE: runServer,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default ./config.yaml, /etc/bpmn/config.yaml)")
	RootCmd.AddCommand(validateCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute runs the command tree.
func Execute() error {
	return RootCmd.Execute()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := db.NewPostgresStore(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	defer store.Close()

	registry := executor.NewRegistry(cfg.DelegateTimeout)
	eng := engine.New(store, registry)
	server := api.NewServer(eng, cfg)

	go func() {
		common.Logger.WithField("addr", cfg.Addr()).Info("server starting")
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			common.Logger.WithError(err).Fatal("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	common.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the engine version",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Fprintf(cmd.OutOrStdout(), "bpmn-engine %s (go %s)\n", info.Version, info.GoVersion)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <file.bpmn>",
	Short: "Parse and validate a BPMN definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proc, err := bpmn.ParseFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "process %q is valid: %d elements, %d user tasks, %d service tasks\n",
			proc.ID(), proc.Elements(), len(proc.UserTasks()), len(proc.ServiceTasks()))
		return nil
	},
}
