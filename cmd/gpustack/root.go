package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MasterYang7/gpustack/internal/config"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gpustack",
		Short:         "GPU cluster manager for running AI models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStartCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newStartCmd() *cobra.Command {
	var configPath string
	var flags config.Config
	var allowedOrigins string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the server, or a worker when --server-url is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configPath, flags, allowedOrigins)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			if cfg.IsWorker() {
				return runWorker(cmd.Context(), cfg, log)
			}
			return runServer(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a config file (yaml, json or toml)")
	cmd.Flags().IntVar(&flags.Port, "port", 0, fmt.Sprintf("Port the API listens on (default %d)", config.DefaultPort))
	cmd.Flags().StringVarP(&flags.DataDir, "data-dir", "d", "", fmt.Sprintf("Directory for database, credentials and cache (default %s)", config.DefaultDataDir))
	cmd.Flags().StringVarP(&flags.ServerURL, "server-url", "s", "", "Server to join; running as a worker when set")
	cmd.Flags().StringVarP(&flags.Token, "token", "t", "", "Cluster join token (worker mode)")
	cmd.Flags().StringVar(&flags.WorkerName, "worker-name", "", "Worker name advertised to the server (default hostname)")
	cmd.Flags().StringVar(&flags.WorkerIP, "worker-ip", "", "Worker address advertised to the server (default autodetected)")
	cmd.Flags().IntVar(&flags.WorkerPort, "worker-port", 0, fmt.Sprintf("Worker port (default %d)", config.DefaultWorkerPort))
	cmd.Flags().StringVar(&flags.HubBaseURL, "hub-base-url", "", "Model hub endpoint for model search")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", "", "Log format: console or json")
	cmd.Flags().BoolVar(&flags.EnableCORS, "enable-cors", false, "Enable CORS for browser clients")
	cmd.Flags().StringVar(&allowedOrigins, "allowed-origins", "", "Comma-separated CORS origins")
	return cmd
}

// resolveConfig layers flags over an optional config file; any flag the user
// set wins over the file.
func resolveConfig(cmd *cobra.Command, configPath string, flags config.Config, allowedOrigins string) (config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = flags.Port
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.ServerURL != "" {
		cfg.ServerURL = flags.ServerURL
	}
	if flags.Token != "" {
		cfg.Token = flags.Token
	}
	if flags.WorkerName != "" {
		cfg.WorkerName = flags.WorkerName
	}
	if flags.WorkerIP != "" {
		cfg.WorkerIP = flags.WorkerIP
	}
	if cmd.Flags().Changed("worker-port") {
		cfg.WorkerPort = flags.WorkerPort
	}
	if flags.HubBaseURL != "" {
		cfg.HubBaseURL = flags.HubBaseURL
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
	if flags.LogFormat != "" {
		cfg.LogFormat = flags.LogFormat
	}
	if cmd.Flags().Changed("enable-cors") {
		cfg.EnableCORS = flags.EnableCORS
	}
	if allowedOrigins != "" {
		cfg.AllowedOrigins = splitCSV(allowedOrigins)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	var log zerolog.Logger
	switch cfg.LogFormat {
	case "console":
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	case "json":
		log = zerolog.New(os.Stderr)
	default:
		return zerolog.Logger{}, fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	return log.Level(level).With().Timestamp().Logger(), nil
}
