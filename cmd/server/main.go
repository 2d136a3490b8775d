package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "moodframe",
	Short: "Analyze the emotion shown in a photo and keep a history of submissions",
	Long: `Moodframe serves a small web application that accepts a photo upload or
webcam capture, asks an emotion classifier for the dominant emotion, draws the
label onto the image and stores every submission in SQLite.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default $CONFIG_PATH or ./config.yaml)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	// First check if config path is provided via environment variable
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}

	// Default to config.yaml in current working directory
	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return filepath.Join(cwd, "config.yaml")
}
