// Command monitorcored is a thin demonstration binary wiring the manager,
// monitor, and config packages behind a small cobra CLI.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signal18/monitorcore/config"
	"github.com/signal18/monitorcore/manager"
	"github.com/signal18/monitorcore/misc"
	"github.com/signal18/monitorcore/monlog"
	"github.com/signal18/monitorcore/probe"
)

var (
	cfgFile     string
	datadir     string
	persistDir  string
	monitorName string
	moduleID    string
	logFile     string
	debug       bool
	credentials string
)

var registry = manager.NewRegistry("")

var rootCmd = &cobra.Command{
	Use:   "monitorcored",
	Short: "Database cluster monitoring core",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Create and start a monitor from configuration",
	Run: func(cmd *cobra.Command, args []string) {
		monlog.Init(monlog.Config{File: logFile, Debug: debug})

		v := viper.New()
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintln(os.Stderr, "monitorcored: reading config:", err)
				os.Exit(1)
			}
		}
		viper.BindPFlags(cmd.Flags())

		settings, err := config.Load(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, "monitorcored: loading settings:", err)
			os.Exit(1)
		}
		if credentials != "" {
			settings.User, settings.Password = misc.SplitPair(credentials)
		}

		registry = manager.NewRegistry(persistDir)
		mon, err := registry.Create(monitorName, moduleID, settings, datadir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "monitorcored: create:", err)
			os.Exit(1)
		}

		for _, pair := range settings.Servers {
			host, port := misc.SplitHostPort(pair)
			if err := mon.AddServer(&probe.Server{Name: host, Address: host, Port: port}); err != nil {
				fmt.Fprintln(os.Stderr, "monitorcored: add server:", err)
				os.Exit(1)
			}
		}

		if err := registry.Start(context.Background(), mon.Name); err != nil {
			fmt.Fprintln(os.Stderr, "monitorcored: start:", err)
			os.Exit(1)
		}

		fmt.Printf("monitor %q started with module %q\n", mon.Name, mon.ModuleID)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List monitors and their state",
	Run: func(cmd *cobra.Command, args []string) {
		for _, snap := range registry.Snapshot() {
			fmt.Printf("%-20s %-8s ticks=%d\n", snap.Name, snap.State, snap.Ticks)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a monitor configuration file")
	rootCmd.PersistentFlags().StringVar(&datadir, "datadir", "/var/lib/monitorcore", "journal data directory")
	rootCmd.PersistentFlags().StringVar(&persistDir, "persistdir", "/etc/monitorcore", "persistence directory")
	rootCmd.PersistentFlags().StringVar(&logFile, "logfile", "", "optional log file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	startCmd.Flags().StringVar(&monitorName, "name", "cluster1", "monitor name")
	startCmd.Flags().StringVar(&moduleID, "module", "generic", "module id: generic, primary_replica, galera, ndb")
	startCmd.Flags().StringVar(&credentials, "credentials", "", "override user:password for all servers")

	rootCmd.AddCommand(startCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
