package common

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/util"
	"github.com/op/go-logging"
	"github.com/spf13/viper"
)

// DriveCredentials holds the OAuth client settings for the Drive
// provider. All three secrets are required to enable the provider.
type DriveCredentials struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
	APIURL       string
	UploadURL    string
	FolderID     string
}

// Complete returns true if every required secret is present.
func (c DriveCredentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// MediaFireCredentials holds the account settings for the MediaFire
// provider. AppKey is optional; the API accepts signatures built
// without it for applications that have none.
type MediaFireCredentials struct {
	Email    string
	Password string
	AppID    string
	AppKey   string
	APIURL   string
}

// Complete returns true if every required secret is present.
func (c MediaFireCredentials) Complete() bool {
	return c.Email != "" && c.Password != "" && c.AppID != ""
}

// StagingCredentials describes the S3-compatible bucket that holds
// admin-supplied asset files until their first sale.
type StagingCredentials struct {
	Host      string
	KeyID     string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Config struct {
	ConfigName             string
	CredentialSafetyMargin time.Duration
	DatabaseURL            string
	Drive                  DriveCredentials
	LedgerBackend          string
	LogDir                 string
	LogLevel               logging.Level
	MediaFire              MediaFireCredentials
	MetricsNamespace       string
	NsqLookupd             string
	NsqURL                 string
	ProviderOrder          []service.StorageProvider
	ProviderTimeout        time.Duration
	RedisDefaultDB         int
	RedisPassword          string
	RedisURL               string
	Staging                StagingCredentials
	UploadPollAttempts     int
}

var logLevels = map[string]logging.Level{
	"CRITICAL": logging.CRITICAL,
	"ERROR":    logging.ERROR,
	"WARNING":  logging.WARNING,
	"NOTICE":   logging.NOTICE,
	"INFO":     logging.INFO,
	"DEBUG":    logging.DEBUG,
}

// NewConfig returns a new config based on the env vars
// FULFILLMENT_CONFIG_DIR and FULFILLMENT_CONFIG. It panics if the
// config cannot be loaded, since no worker can run without it.
func NewConfig() *Config {
	configDir := getRequiredEnvVar("FULFILLMENT_CONFIG_DIR")
	envName := getRequiredEnvVar("FULFILLMENT_CONFIG")
	config, err := LoadConfig(configDir, envName)
	if err != nil {
		panic(fmt.Errorf("Fatal error config file: %s \n", err))
	}
	return config
}

// LoadConfig reads .env.<envName> from configDir. Environment variables
// with the same names override values in the file, so secrets can be
// kept out of the file entirely.
func LoadConfig(configDir, envName string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configDir)
	v.SetConfigName(".env." + envName)
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	order, err := parseProviderOrder(v.GetString("PROVIDER_ORDER"))
	if err != nil {
		return nil, err
	}
	config := &Config{
		ConfigName:             envName,
		CredentialSafetyMargin: v.GetDuration("CREDENTIAL_SAFETY_MARGIN"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		Drive: DriveCredentials{
			ClientID:     v.GetString("DRIVE_CLIENT_ID"),
			ClientSecret: v.GetString("DRIVE_CLIENT_SECRET"),
			RefreshToken: v.GetString("DRIVE_REFRESH_TOKEN"),
			TokenURL:     v.GetString("DRIVE_TOKEN_URL"),
			APIURL:       v.GetString("DRIVE_API_URL"),
			UploadURL:    v.GetString("DRIVE_UPLOAD_URL"),
			FolderID:     v.GetString("DRIVE_FOLDER_ID"),
		},
		LedgerBackend: strings.ToLower(v.GetString("LEDGER_BACKEND")),
		LogDir:        expandPath(v.GetString("LOG_DIR")),
		LogLevel:      logLevels[strings.ToUpper(v.GetString("LOG_LEVEL"))],
		MediaFire: MediaFireCredentials{
			Email:    v.GetString("MEDIAFIRE_EMAIL"),
			Password: v.GetString("MEDIAFIRE_PASSWORD"),
			AppID:    v.GetString("MEDIAFIRE_APP_ID"),
			AppKey:   v.GetString("MEDIAFIRE_APP_KEY"),
			APIURL:   v.GetString("MEDIAFIRE_API_URL"),
		},
		MetricsNamespace: v.GetString("METRICS_NAMESPACE"),
		NsqLookupd:       v.GetString("NSQ_LOOKUPD"),
		NsqURL:           v.GetString("NSQ_URL"),
		ProviderOrder:    order,
		ProviderTimeout:  v.GetDuration("PROVIDER_TIMEOUT"),
		RedisDefaultDB:   v.GetInt("REDIS_DEFAULT_DB"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisURL:         v.GetString("REDIS_URL"),
		Staging: StagingCredentials{
			Host:      v.GetString("STAGING_HOST"),
			KeyID:     v.GetString("STAGING_KEY"),
			SecretKey: v.GetString("STAGING_SECRET"),
			Bucket:    v.GetString("STAGING_BUCKET"),
			UseSSL:    v.GetBool("STAGING_USE_SSL"),
		},
		UploadPollAttempts: v.GetInt("UPLOAD_POLL_ATTEMPTS"),
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.LogDir != "" {
		if err := os.MkdirAll(config.LogDir, 0755); err != nil {
			return nil, err
		}
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CREDENTIAL_SAFETY_MARGIN", constants.DefaultSafetyMargin)
	v.SetDefault("DRIVE_TOKEN_URL", "https://oauth2.googleapis.com/token")
	v.SetDefault("DRIVE_API_URL", "https://www.googleapis.com")
	v.SetDefault("DRIVE_UPLOAD_URL", "https://www.googleapis.com")
	v.SetDefault("LEDGER_BACKEND", constants.LedgerRedis)
	v.SetDefault("LOG_LEVEL", "INFO")
	v.SetDefault("MEDIAFIRE_API_URL", "https://www.mediafire.com/api/1.5")
	v.SetDefault("METRICS_NAMESPACE", "fulfillment")
	v.SetDefault("PROVIDER_ORDER", strings.Join(constants.Providers, ","))
	v.SetDefault("PROVIDER_TIMEOUT", constants.DefaultProviderTimeout)
	v.SetDefault("UPLOAD_POLL_ATTEMPTS", 10)
}

func parseProviderOrder(value string) ([]service.StorageProvider, error) {
	order := make([]service.StorageProvider, 0, len(constants.Providers))
	for _, name := range strings.Split(value, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		provider, err := service.ParseStorageProvider(name)
		if err != nil {
			return nil, fmt.Errorf("PROVIDER_ORDER: %w", err)
		}
		order = append(order, provider)
	}
	return order, nil
}

func (c *Config) validate() error {
	if !util.StringListContains(constants.LedgerBackends, c.LedgerBackend) {
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	if c.LedgerBackend == constants.LedgerPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("LEDGER_BACKEND is postgres but DATABASE_URL is empty")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	return nil
}

// ProviderConfigured returns true if all of the secrets required by
// provider are present in the config.
func (c *Config) ProviderConfigured(provider service.StorageProvider) bool {
	switch provider {
	case service.DriveProvider:
		return c.Drive.Complete()
	case service.MediaFireProvider:
		return c.MediaFire.Complete()
	}
	return false
}

// EnabledProviders returns the providers in ProviderOrder whose secrets
// are all present. A provider with missing secrets is left out rather
// than failing startup.
func (c *Config) EnabledProviders() []service.StorageProvider {
	enabled := make([]service.StorageProvider, 0, len(c.ProviderOrder))
	for _, provider := range c.ProviderOrder {
		if c.ProviderConfigured(provider) {
			enabled = append(enabled, provider)
		}
	}
	return enabled
}

// ToJSON returns the config as JSON with every secret masked, so it
// can be written to the log at startup.
func (c *Config) ToJSON() string {
	copied := *c
	copied.Drive.ClientSecret = mask(c.Drive.ClientSecret)
	copied.Drive.RefreshToken = mask(c.Drive.RefreshToken)
	copied.MediaFire.Password = mask(c.MediaFire.Password)
	copied.MediaFire.AppKey = mask(c.MediaFire.AppKey)
	copied.RedisPassword = mask(c.RedisPassword)
	copied.Staging.SecretKey = mask(c.Staging.SecretKey)
	copied.DatabaseURL = mask(c.DatabaseURL)
	data, _ := json.Marshal(copied)
	return string(data)
}

func mask(value string) string {
	if value == "" {
		return ""
	}
	return "[redacted]"
}

func getRequiredEnvVar(varName string) string {
	value := os.Getenv(varName)
	if value == "" {
		panic(fmt.Sprintf("Required env var %s not set", varName))
	}
	return value
}

// expandPath expands a leading ~ to the user's home dir.
func expandPath(dirName string) string {
	if !strings.HasPrefix(dirName, "~") {
		return dirName
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dirName
	}
	return home + strings.TrimPrefix(dirName, "~")
}
