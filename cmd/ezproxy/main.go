package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezproxy/pkg/config"
	"github.com/easzlab/ezproxy/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezproxy",
		Short: "ezproxy - per client IP nginx proxy_pass manager",
		Long:  "Routes selected client IPs to chosen upstreams by editing an nginx config file transactionally.",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezproxy/ezproxy.yaml", "path to config file")

	rootCmd.AddCommand(newGetCommand())
	rootCmd.AddCommand(newSetCommand())
	rootCmd.AddCommand(newClearCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "get",
		Short:        "Print the default proxy and per IP rules as JSON",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runGet,
	}
}

func newSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "set <ip>",
		Short:        "Route requests from an IP pattern to an upstream",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runSet,
	}
	cmd.Flags().String("url", "", "proxy_pass target")
	cmd.Flags().String("name", "", "preset server name, overrides --url when known")
	cmd.Flags().Bool("dry-run", false, "print the diff instead of writing")
	return cmd
}

func newClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "clear <ip>",
		Short:        "Remove the rule for an IP pattern",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE:         runClear,
	}
	cmd.Flags().Bool("dry-run", false, "print the diff instead of writing")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezproxy version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger("stdout")
	defer logger.Sync()

	logger.Info("starting ezproxy",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runGet prints the parsed managed file.
func runGet(cmd *cobra.Command, args []string) error {
	logger := newLogger("stderr")
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	cfg, err := srv.Proxy().GetCurrentConfig()
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

// runSet applies or previews a set transaction.
func runSet(cmd *cobra.Command, args []string) error {
	logger := newLogger("stderr")
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	target, _ := cmd.Flags().GetString("url")
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		if preset, ok := srv.Settings().FindPresetByName(name); ok {
			target = preset.URL
		}
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		diff, err := srv.Proxy().PreviewSet(args[0], target)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), diff)
		return nil
	}

	result, err := srv.Proxy().SetProxy(args[0], target)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result.State, result.ID)
	return nil
}

// runClear applies or previews a clear transaction.
func runClear(cmd *cobra.Command, args []string) error {
	logger := newLogger("stderr")
	defer logger.Sync()

	srv, err := server.NewServer(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		diff, err := srv.Proxy().PreviewClear(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), diff)
		return nil
	}

	result, err := srv.Proxy().ClearProxy(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", result.State, result.ID)
	return nil
}

// newLogger creates a zap logger with console encoding for readability,
// levelled by global.log_level. When global.log_file is set, JSON entries
// are also written to that file with rotation.
func newLogger(output string) *zap.Logger {
	global := loadGlobalConfig()

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if global.LogLevel != "" {
		if parsed, err := zapcore.ParseLevel(global.LogLevel); err == nil {
			level.SetLevel(parsed)
		}
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	sink := zapcore.Lock(os.Stdout)
	if output == "stderr" {
		sink = zapcore.Lock(os.Stderr)
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), sink, level),
	}

	if global.LogFile != "" {
		fileEncoderConfig := zap.NewProductionEncoderConfig()
		fileEncoderConfig.TimeKey = "time"
		fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		rotator := &lumberjack.Logger{
			Filename:   global.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
}

// loadGlobalConfig reads the logging settings before the real logger exists.
// A config that fails to load yields defaults; the error surfaces when the server loads it.
func loadGlobalConfig() config.GlobalConfig {
	manager, err := config.NewManager(configPath, zap.NewNop())
	if err != nil {
		return config.GlobalConfig{}
	}
	return manager.GetConfig().Global
}
