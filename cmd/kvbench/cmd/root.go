package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/treeverse/clusterkv/pkg/config"
	"github.com/treeverse/clusterkv/pkg/version"
)

var cfgFile string

// rootCmd represents the base command when called without any sub-commands
var rootCmd = &cobra.Command{
	Use:     "kvbench",
	Short:   "Run batch workloads against an in-process cluster.",
	Version: version.String(),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default is $HOME/.kvbench.yaml)")
	rootCmd.PersistentFlags().String("log-level", config.DefaultLoggingLevel, "Logging level")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log-level": config.LoggingLevelKey,
	})
}

// bindFlags makes each named flag, when set, override its configuration key.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads in config file if set. Environment variables are read by
// config.NewConfig.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kvbench")
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	case errors.As(err, &notFound):
		// defaults and environment only
	default:
		fmt.Println("Error while reading config file:", viper.ConfigFileUsed(), "-", err)
		os.Exit(1)
	}
}
