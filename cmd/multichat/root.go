package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "multichat",
	Short: "Chat with several models side by side",
	Long: `multichat sends one prompt to several models in parallel, streams the
answers as they arrive and keeps the conversation in a local sqlite store.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "multichat.db", "path to the sqlite store")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key (or MULTICHAT_OPENAI_API_KEY)")
	rootCmd.PersistentFlags().String("openai-base-url", "", "override the OpenAI API base URL")

	for _, flag := range []string{"log-level", "db", "openai-api-key", "openai-base-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("MULTICHAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("multichat")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()

	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newConversationsCommand())
}

func setupLogging(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	return nil
}
