// loomd is the ThreadLoom daemon and its admin CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/untoldecay/ThreadLoom/internal/config"
	"github.com/untoldecay/ThreadLoom/internal/logging"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.1.0"
	Build   = "dev"
)

var (
	cfgPath   string
	ephemeral bool
	log       *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "loomd",
	Short:         "Multi-tenant streaming chat backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(cfgPath); err != nil {
			return err
		}
		if ephemeral {
			config.Set("ephemeral", true)
		}
		log = logging.New(logging.Config{
			Level:      config.GetString("log.level"),
			Format:     config.GetString("log.format"),
			File:       config.GetString("log.file"),
			MaxSizeMB:  config.GetInt("log.max-size-mb"),
			MaxBackups: config.GetInt("log.max-backups"),
			MaxAgeDays: config.GetInt("log.max-age-days"),
		})
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("loomd version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "ephemeral", false, "run fully in memory with a generated admin user")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
