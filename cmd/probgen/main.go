package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/probgenlabs/probgen/internal/profilecache"
	"github.com/probgenlabs/probgen/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

const (
	configCodeMissingAPIBaseURL    = "config.missing_api_base_url"
	configCodeInvalidPollInterval  = "config.invalid_poll_interval"
	configCodeInvalidProfileTTL    = "config.invalid_profile_ttl"
	configCodeInvalidHTTPTimeout   = "config.invalid_http_timeout"
	configCodeUninitializedAppConf = "config.uninitialized_app_config"
)

type contextKey string

const appConfigContextKey contextKey = "appConfig"

// AppConfig is everything the client needs to talk to one backend.
type AppConfig struct {
	APIBaseURL      string
	CredentialsPath string
	CacheURL        string
	HistoryPath     string
	PollInterval    time.Duration
	ProfileTTL      time.Duration
	HTTPTimeout     time.Duration
	CallbackAddr    string
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "probgen",
		Short:             "Client for the problem-generation service: sessions, profiles, notices, and generated problem sets",
		PersistentPreRunE: prepareAppConfig,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().String("api_base_url", "", "Backend base URL")
	rootCmd.PersistentFlags().String("credentials_path", defaultDataPath("credentials.json"), "Path of the stored token pair")
	rootCmd.PersistentFlags().String("cache_url", "", "Profile cache database (postgres:// or sqlite://; leave empty for in-memory cache)")
	rootCmd.PersistentFlags().String("history_path", defaultDataPath("history.db"), "Path of the local generation history database")
	rootCmd.PersistentFlags().Duration("poll_interval", session.DefaultPollInterval, "Session recheck interval")
	rootCmd.PersistentFlags().Duration("profile_ttl", profilecache.DefaultStaleness, "Profile staleness window")
	rootCmd.PersistentFlags().Duration("http_timeout", time.Minute, "Per-request HTTP timeout")
	rootCmd.PersistentFlags().String("callback_addr", "127.0.0.1:0", "Bind address for the OAuth redirect listener")

	_ = viper.BindPFlag("api_base_url", rootCmd.PersistentFlags().Lookup("api_base_url"))
	_ = viper.BindPFlag("credentials_path", rootCmd.PersistentFlags().Lookup("credentials_path"))
	_ = viper.BindPFlag("cache_url", rootCmd.PersistentFlags().Lookup("cache_url"))
	_ = viper.BindPFlag("history_path", rootCmd.PersistentFlags().Lookup("history_path"))
	_ = viper.BindPFlag("poll_interval", rootCmd.PersistentFlags().Lookup("poll_interval"))
	_ = viper.BindPFlag("profile_ttl", rootCmd.PersistentFlags().Lookup("profile_ttl"))
	_ = viper.BindPFlag("http_timeout", rootCmd.PersistentFlags().Lookup("http_timeout"))
	_ = viper.BindPFlag("callback_addr", rootCmd.PersistentFlags().Lookup("callback_addr"))

	viper.SetEnvPrefix("PROBGEN")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newRegisterCommand(),
		newVerifyEmailCommand(),
		newWhoAmICommand(),
		newAccountCommand(),
		newNoticeCommand(),
		newGenerateCommand(),
		newDownloadCommand(),
		newHistoryCommand(),
	)

	return rootCmd
}

func prepareAppConfig(command *cobra.Command, arguments []string) error {
	appConfig, loadErr := LoadAppConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, appConfigContextKey, appConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadAppConfig() (AppConfig, error) {
	apiBaseURL := viper.GetString("api_base_url")
	if apiBaseURL == "" {
		return AppConfig{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}

	pollInterval := viper.GetDuration("poll_interval")
	if pollInterval <= 0 {
		return AppConfig{}, configError(configCodeInvalidPollInterval, "poll_interval must be greater than zero")
	}

	profileTTL := viper.GetDuration("profile_ttl")
	if profileTTL <= 0 {
		return AppConfig{}, configError(configCodeInvalidProfileTTL, "profile_ttl must be greater than zero")
	}

	httpTimeout := viper.GetDuration("http_timeout")
	if httpTimeout <= 0 {
		return AppConfig{}, configError(configCodeInvalidHTTPTimeout, "http_timeout must be greater than zero")
	}

	credentialsPath := viper.GetString("credentials_path")
	if credentialsPath == "" {
		credentialsPath = defaultDataPath("credentials.json")
	}
	historyPath := viper.GetString("history_path")
	if historyPath == "" {
		historyPath = defaultDataPath("history.db")
	}

	callbackAddr := viper.GetString("callback_addr")
	if callbackAddr == "" {
		callbackAddr = "127.0.0.1:0"
	}

	return AppConfig{
		APIBaseURL:      apiBaseURL,
		CredentialsPath: credentialsPath,
		CacheURL:        viper.GetString("cache_url"),
		HistoryPath:     historyPath,
		PollInterval:    pollInterval,
		ProfileTTL:      profileTTL,
		HTTPTimeout:     httpTimeout,
		CallbackAddr:    callbackAddr,
	}, nil
}

func appConfigFrom(command *cobra.Command) (AppConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(appConfigContextKey)
	}
	appConfig, ok := contextValue.(AppConfig)
	if !ok {
		return AppConfig{}, configError(configCodeUninitializedAppConf, "app configuration not prepared; PersistentPreRunE must execute before RunE")
	}
	return appConfig, nil
}

func defaultDataPath(fileName string) string {
	homeDir, homeErr := os.UserHomeDir()
	if homeErr != nil {
		return filepath.Join(".probgen", fileName)
	}
	return filepath.Join(homeDir, ".probgen", fileName)
}
