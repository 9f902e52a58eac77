package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go-tripsync/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	hubURL     string
	ownerID    string
	deviceID   string
	storeKind  string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "tripnode",
		Short: "Trip coordination node for operators and scanning devices",
		Long: `Tripnode runs one side of a dispatch trip. The operator node claims a trip
and processes pallet scans one at a time; device nodes follow the operator's
trip and submit pallet numbers over the message hub.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "", "Message hub URL, overrides hub.url")

	var operatorCmd = &cobra.Command{
		Use:   "operator",
		Short: "Run the desktop operator node",
		RunE:  runOperator,
	}
	operatorCmd.Flags().StringVar(&ownerID, "owner-id", "", "Owner id recorded on trip claims, overrides owner_id")
	operatorCmd.Flags().StringVar(&storeKind, "store", "", "Claim store driver: postgres, s3, memory")

	var deviceCmd = &cobra.Command{
		Use:   "device",
		Short: "Run a handheld scanning device",
		RunE:  runDevice,
	}
	deviceCmd.Flags().StringVar(&deviceID, "device-id", "", "Device id, overrides device_id")

	var demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Run an operator and two devices in one process over an in-memory hub",
		RunE:  runDemo,
	}

	rootCmd.AddCommand(operatorCmd, deviceCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg = config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}

	if hubURL != "" {
		cfg.Hub.URL = hubURL
	}
	if ownerID != "" {
		cfg.OwnerID = ownerID
	}
	if deviceID != "" {
		cfg.DeviceID = deviceID
	}
	if storeKind != "" {
		cfg.Store.Driver = storeKind
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes to stderr so status redraws on stdout do not clear it.
func newLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
