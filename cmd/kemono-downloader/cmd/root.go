package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-kemono-download/internal/api"
	"go-kemono-download/internal/config"
	"go-kemono-download/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

var logApiFlag bool

var savePathFlag string

// apiDelayFlag and apiTimeoutFlag use -1 for "keep the config value"
var apiDelayFlag int
var apiTimeoutFlag int

var logLevel string
var logFormat string // text or json

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport is the shared transport, wrapped for logging when --log-api is set
var globalHttpTransport http.RoundTripper

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "kemono-downloader",
	Short: "A tool to download creator posts from Kemono and Coomer",
	Long: `Kemono Downloader fetches every post of a creator (or a single post)
from kemono.su or coomer.su and saves the attachments with configurable
filtering, folder layout and naming.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	code := 0
	err := rootCmd.Execute()
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		} else {
			code = 1
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
		log.Debug("Closing API logging transport file.")
		if err := loggingTransport.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
	if code != 0 {
		os.Exit(code)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFileName, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().StringVar(&savePathFlag, "save-path", "", "Download directory (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiDelayFlag, "api-delay", -1, "Minimum delay between API calls in ms (overrides config, -1 uses config value)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Read timeout for HTTP requests in seconds (overrides config, -1 uses config value)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")

	cobra.OnInitialize(initLogging, initViper)
}

// initLogging configures logrus based on persistent flags
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.Debugf("Logging configured: Level=%s, Format=%s", log.GetLevel(), logFormat)
}

// initViper lets KEMONO_DOWNLOAD_POST_WORKERS and friends override config values.
func initViper() {
	viper.SetEnvPrefix("KEMONO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// loadGlobalConfig loads the configuration, applies the persistent flag
// overrides and sets up the shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Commands check the fields they need; a broken file falls back to defaults.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
		globalConfig = config.Defaults()
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("save-path") {
		if savePathFlag != "" {
			globalConfig.SavePath = savePathFlag
			log.Debugf("Overriding SavePath based on --save-path flag: %s", savePathFlag)
		} else {
			log.Warn("--save-path flag provided but value is empty, ignoring.")
		}
	}

	if cmd.Flags().Changed("api-delay") {
		if apiDelayFlag >= 0 {
			globalConfig.ApiDelayMs = apiDelayFlag
			log.Debugf("Overriding ApiDelayMs based on --api-delay flag: %d ms", apiDelayFlag)
		} else {
			log.Warnf("--api-delay flag provided with invalid value %d, using config value: %d ms", apiDelayFlag, globalConfig.ApiDelayMs)
		}
	}
	if globalConfig.ApiDelayMs < 0 {
		globalConfig.ApiDelayMs = 0
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
			log.Debugf("Overriding ApiClientTimeoutSec based on --api-timeout flag: %d sec", apiTimeoutFlag)
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}
	if globalConfig.ApiClientTimeoutSec <= 0 {
		globalConfig.ApiClientTimeoutSec = config.DefaultAPITimeoutSec
	}

	config.FillPaths(&globalConfig)

	baseTransport := api.NewTransport()
	globalHttpTransport = baseTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if globalConfig.SavePath != "" {
			if _, statErr := os.Stat(globalConfig.SavePath); statErr == nil {
				logFilePath = filepath.Join(globalConfig.SavePath, logFilePath)
			} else {
				log.Warnf("SavePath '%s' not found, saving api.log to current directory.", globalConfig.SavePath)
			}
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(baseTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// newAPIClient builds the shared client for cfg with the resolved cookie jar.
func newAPIClient(cfg models.Config, jar map[string]string) *api.Client {
	transport := globalHttpTransport
	if transport == nil {
		transport = api.NewTransport()
	}
	return api.NewClient(api.Options{
		UserAgent:   cfg.UserAgent,
		Cookies:     jar,
		ReadTimeout: time.Duration(cfg.ApiClientTimeoutSec) * time.Second,
		Delay:       time.Duration(cfg.ApiDelayMs) * time.Millisecond,
		Transport:   transport,
	})
}

// requireSavePath checks that the configured download directory exists.
func requireSavePath(cfg models.Config) error {
	if cfg.SavePath == "" {
		return errors.New("save path is not configured (--save-path or config file)")
	}
	info, err := os.Stat(cfg.SavePath)
	if err != nil {
		return fmt.Errorf("error accessing SavePath %q: %w", cfg.SavePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("SavePath is not a directory: %s", cfg.SavePath)
	}
	return nil
}
