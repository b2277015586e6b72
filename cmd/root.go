package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/apernet/corevpn/engine"
	"github.com/apernet/corevpn/ruleset"
)

const (
	appDesc     = "OpenVPN-compatible server core"
	appLongDesc = appDesc + `

Terminates OpenVPN clients over UDP (or replays a pcap capture): control
channel reliability, TLS key negotiation, data channel encryption and key
renegotiation. An optional rule file decides which client hard resets may
open a session; send SIGHUP to reload it.`
	appAuthors = "Aperture Internet Laboratory <https://github.com/apernet>"

	appLogLevelEnv  = "COREVPN_LOG_LEVEL"
	appLogFormatEnv = "COREVPN_LOG_FORMAT"
)

var logger *zap.Logger

// Flags
var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "corevpn [flags] [admission_rules.yaml]",
	Short: appDesc,
	Long:  appLongDesc + "\n\n" + appAuthors,
	Args:  cobra.MaximumNArgs(1),
	Run:   runMain,
}

var logLevelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

var logFormatMap = map[string]zapcore.EncoderConfig{
	"console": {
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	},
	"json": {
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.EpochMillisTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	initFlags()
	cobra.OnInitialize(initConfig)
	cobra.OnInitialize(initLogger) // initLogger must come after initConfig as it depends on config
}

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "server config file (default ./config.yaml, $HOME/.corevpn or /etc/corevpn)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", envOrDefaultString(appLogLevelEnv, "info"), "log level")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", envOrDefaultString(appLogFormatEnv, "console"), "log format")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.SupportedExts = append([]string{"yaml", "yml"}, viper.SupportedExts...)
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.corevpn")
		viper.AddConfigPath("/etc/corevpn")
	}
}

func initLogger() {
	level, ok := logLevelMap[strings.ToLower(logLevel)]
	if !ok {
		fmt.Printf("unsupported log level: %s\n", logLevel)
		os.Exit(1)
	}
	enc, ok := logFormatMap[strings.ToLower(logFormat)]
	if !ok {
		fmt.Printf("unsupported log format: %s\n", logFormat)
		os.Exit(1)
	}
	c := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableCaller:     true,
		DisableStacktrace: true,
		Encoding:          strings.ToLower(logFormat),
		EncoderConfig:     enc,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	var err error
	logger, err = c.Build()
	if err != nil {
		fmt.Printf("failed to initialize logger: %s\n", err)
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	// Config
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("failed to read config", zap.Error(err))
	}
	var config cliConfig
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("failed to parse config", zap.Error(err))
	}
	engineConfig, err := config.Config()
	if err != nil {
		logger.Fatal("failed to parse config", zap.Error(err))
	}
	defer func() {
		// Make sure to close the IO on exit
		_ = engineConfig.IO.Close()
	}()

	// Ruleset
	rsConfig := &ruleset.BuiltinConfig{}
	if !config.Logging.Ghost {
		anon, err := newAnonymizer(config.Logging.Anonymize)
		if err != nil {
			logger.Fatal("failed to parse config", zap.Error(err))
		}
		rsConfig.Logger = &rulesetLogger{anon: anon}
	}
	if len(args) > 0 {
		rawRs, err := ruleset.ExprRulesFromYAML(args[0])
		if err != nil {
			logger.Fatal("failed to load admission rules", zap.Error(err))
		}
		rs, err := ruleset.CompileExprRules(rawRs, rsConfig)
		if err != nil {
			logger.Fatal("failed to compile admission rules", zap.Error(err))
		}
		engineConfig.Ruleset = rs
	}

	// Engine
	en, err := engine.NewEngine(*engineConfig)
	if err != nil {
		logger.Fatal("failed to initialize engine", zap.Error(err))
	}
	if echo, ok := engineConfig.Tunnel.(*echoTunnel); ok {
		echo.engine = en
	}

	// Signal handling
	ctx, cancelFunc := context.WithCancel(context.Background())
	_ = engineConfig.IO.SetCancelFunc(cancelFunc)
	go func() {
		// Graceful shutdown
		shutdownChan := make(chan os.Signal, 1)
		signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
		<-shutdownChan
		logger.Info("shutting down gracefully...")
		cancelFunc()
	}()
	if len(args) > 0 {
		// Rule reload
		loader := ruleset.NewSignalRuleSetLoader(args[0], en.UpdateRuleset, rsConfig, logger)
		_ = loader.Start()
		defer loader.Stop()
	}

	logger.Info("engine started")
	logger.Info("engine exited", zap.Error(en.Run(ctx)))
}

func envOrDefaultString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
