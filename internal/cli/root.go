// Package cli wires the connection engine into the redial command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/internal/config"
)

var (
	configPath  string
	profileName string
	debug       bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "redial",
	Short:   "A terminal HTTP connection client with redirect and retry handling",
	Version: client.Version,
	Long: `Redial establishes HTTP and websocket connections from the terminal,
following redirects, retrying reset connections, and reporting the
full chain of endpoints a request travelled through.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

// newLogger builds the CLI logger, honoring the global debug flag.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

// profileOptions resolves the --config/--profile flags into engine options.
// Without --config it returns nothing.
func profileOptions() ([]client.Option, error) {
	if configPath == "" {
		return nil, nil
	}
	f, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	profile, err := f.Profile(profileName)
	if err != nil {
		return nil, err
	}
	return profile.Options()
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Profile file to load")
	RootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Profile name within the profile file")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	RootCmd.AddCommand(getCmd)
	RootCmd.AddCommand(probeCmd)
	RootCmd.AddCommand(wsCmd)
}
