package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "harvestctl",
	Short: "harvestctl controls the jobs of a harvest server",
	Long: `harvestctl is the command-line interface for a harvest server.

A harvest job fetches a list of item identifiers slowly and politely: requests
are spaced out, capped per hour and per day, limited to a time-of-day window,
and halted by a circuit breaker when the target starts failing.

Common workflows:

  Start a job from a file with one identifier per line:
    harvestctl start --file items.txt

  Watch progress and health:
    harvestctl status

  Pause, resume or stop the live job:
    harvestctl pause
    harvestctl resume
    harvestctl stop

Configuration:
  HARVEST_SERVER     API endpoint (default: http://localhost:8080)
  HARVEST_API_KEY    API key sent as a Bearer token`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".harvestctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".harvestctl")
		viper.SetConfigType("yaml")
	}

	bindEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// bindEnv reads HARVEST_SERVER and HARVEST_API_KEY.
func bindEnv() {
	viper.SetEnvPrefix("HARVEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// newClientFromConfig builds a client from the resolved flags, env and
// config file.
func newClientFromConfig() *Client {
	return NewClient(viper.GetString("server"), viper.GetString("api-key"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.harvestctl.yaml)")

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "harvest server URL")
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().StringP("api-key", "k", "", "API key for authentication")
	viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
}
