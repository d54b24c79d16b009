// Package cli is the dsc-builder command tree: a root command plus a
// "build" subcommand binding cacheconfig.Config's fields onto cobra
// flags via viper (spec §6.5's config surface).
package cli

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "dsc-builder",
	Short:         "Build a dyld shared cache from a set of input dylibs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "config file (default is $HOME/.dsc-builder.yaml)")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".dsc-builder")
		}
	}

	viper.SetEnvPrefix("DSC_BUILDER")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
}

// Execute runs the root command, printing any returned error and
// setting a non-zero exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
