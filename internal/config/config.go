// Package config handles loading and validation of daemon configuration.
// Supports both development (env vars, .env, CONFIG_FILE) and production
// (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults for optional settings.
const (
	DefaultPort                     = "8080"
	DefaultStateDir                 = ".cartsync"
	DefaultStorageKey               = "cart"
	DefaultSecretName               = "cartsync"
	DefaultRequestTimeout           = 10 * time.Second
	DefaultEnrichConcurrency        = 8
	DefaultAnonymousDiscountPercent = 20
)

// Config holds all daemon configuration.
// Environment determines whether credentials load from env vars (development)
// or Secret Manager (production).
type Config struct {
	// Server settings
	Port        string `validate:"required,numeric"`
	Environment string `validate:"oneof=development production"`
	LogLevel    string `validate:"oneof=debug info warn error"`

	// Local cart storage
	StateDir   string `validate:"required"`
	StorageKey string `validate:"required,alphanum"`

	// Upstream APIs
	CartAPIURL     string        `validate:"required,url"`
	CatalogAPIURL  string        `validate:"required,url"`
	CatalogAPIKey  string
	RequestTimeout time.Duration `validate:"gt=0s"`

	// Engine tuning
	EnrichConcurrency        int `validate:"gte=1,lte=64"`
	AnonymousDiscountPercent int `validate:"gte=1,lte=100"`

	// GCP settings (required in production)
	GCPProject string `validate:"required_if=Environment production"`
	SecretName string `validate:"required_if=Environment production"`
}

// secrets is the JSON payload stored in Secret Manager.
type secrets struct {
	CatalogAPIKey string `json:"catalog_api_key"`
}

// Load reads configuration from file, environment, or Secret Manager.
// A .env file in the working directory is applied first when present; it
// never overrides variables already set.
// Priority: CONFIG_FILE (if set) → ENV vars, then Secret Manager in production.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var (
		cfg *Config
		err error
	)
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		cfg, err = loadFromFile(configPath)
	} else {
		cfg, err = loadFromEnv()
	}
	if err != nil {
		return nil, err
	}

	if cfg.Environment == "production" && cfg.GCPProject != "" {
		if err := cfg.loadFromSecretManager(ctx); err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv reads configuration from individual environment variables.
func loadFromEnv() (*Config, error) {
	cfg := &Config{
		Port:          envOrDefault("PORT", DefaultPort),
		Environment:   envOrDefault("ENVIRONMENT", "development"),
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		StateDir:      envOrDefault("STATE_DIR", DefaultStateDir),
		StorageKey:    envOrDefault("STORAGE_KEY", DefaultStorageKey),
		CartAPIURL:    os.Getenv("CART_API_URL"),
		CatalogAPIURL: os.Getenv("CATALOG_API_URL"),
		CatalogAPIKey: os.Getenv("CATALOG_API_KEY"),
		GCPProject:    os.Getenv("GCP_PROJECT"),
		SecretName:    envOrDefault("SECRET_NAME", DefaultSecretName),
	}

	var err error
	if cfg.RequestTimeout, err = durationOrDefault(os.Getenv("REQUEST_TIMEOUT"), DefaultRequestTimeout); err != nil {
		return nil, fmt.Errorf("parsing REQUEST_TIMEOUT: %w", err)
	}
	if cfg.EnrichConcurrency, err = intOrDefault(os.Getenv("ENRICH_CONCURRENCY"), DefaultEnrichConcurrency); err != nil {
		return nil, fmt.Errorf("parsing ENRICH_CONCURRENCY: %w", err)
	}
	if cfg.AnonymousDiscountPercent, err = intOrDefault(os.Getenv("ANONYMOUS_DISCOUNT_PERCENT"), DefaultAnonymousDiscountPercent); err != nil {
		return nil, fmt.Errorf("parsing ANONYMOUS_DISCOUNT_PERCENT: %w", err)
	}
	return cfg, nil
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var fileConfig struct {
		Port                     string `json:"port"`
		Environment              string `json:"environment"`
		LogLevel                 string `json:"log_level"`
		StateDir                 string `json:"state_dir"`
		StorageKey               string `json:"storage_key"`
		CartAPIURL               string `json:"cart_api_url"`
		CatalogAPIURL            string `json:"catalog_api_url"`
		CatalogAPIKey            string `json:"catalog_api_key"`
		RequestTimeout           string `json:"request_timeout"`
		EnrichConcurrency        int    `json:"enrich_concurrency"`
		AnonymousDiscountPercent int    `json:"anonymous_discount_percent"`
		GCPProject               string `json:"gcp_project"`
		SecretName               string `json:"secret_name"`
	}
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	timeout, err := durationOrDefault(fileConfig.RequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("parsing request_timeout: %w", err)
	}

	return &Config{
		Port:                     withDefault(fileConfig.Port, DefaultPort),
		Environment:              withDefault(fileConfig.Environment, "development"),
		LogLevel:                 withDefault(fileConfig.LogLevel, "info"),
		StateDir:                 withDefault(fileConfig.StateDir, DefaultStateDir),
		StorageKey:               withDefault(fileConfig.StorageKey, DefaultStorageKey),
		CartAPIURL:               fileConfig.CartAPIURL,
		CatalogAPIURL:            fileConfig.CatalogAPIURL,
		CatalogAPIKey:            fileConfig.CatalogAPIKey,
		RequestTimeout:           timeout,
		EnrichConcurrency:        nonZero(fileConfig.EnrichConcurrency, DefaultEnrichConcurrency),
		AnonymousDiscountPercent: nonZero(fileConfig.AnonymousDiscountPercent, DefaultAnonymousDiscountPercent),
		GCPProject:               fileConfig.GCPProject,
		SecretName:               withDefault(fileConfig.SecretName, DefaultSecretName),
	}, nil
}

// loadFromSecretManager fetches API credentials from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{secret}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", c.GCPProject, c.SecretName)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	return c.applySecrets(result.Payload.Data)
}

// applySecrets overlays credentials from a secret payload.
func (c *Config) applySecrets(data []byte) error {
	var s secrets
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	if s.CatalogAPIKey != "" {
		c.CatalogAPIKey = s.CatalogAPIKey
	}
	return nil
}

// Validate checks every field against its constraints and reports the
// first violation by its environment variable name.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	fe := verrs[0]
	return fmt.Errorf("invalid config: %s fails %q (got %v)", envName(fe.Field()), fe.Tag(), fe.Value())
}

// envNames maps Config fields to the variables they load from.
var envNames = map[string]string{
	"Port":                     "PORT",
	"Environment":              "ENVIRONMENT",
	"LogLevel":                 "LOG_LEVEL",
	"StateDir":                 "STATE_DIR",
	"StorageKey":               "STORAGE_KEY",
	"CartAPIURL":               "CART_API_URL",
	"CatalogAPIURL":            "CATALOG_API_URL",
	"CatalogAPIKey":            "CATALOG_API_KEY",
	"RequestTimeout":           "REQUEST_TIMEOUT",
	"EnrichConcurrency":        "ENRICH_CONCURRENCY",
	"AnonymousDiscountPercent": "ANONYMOUS_DISCOUNT_PERCENT",
	"GCPProject":               "GCP_PROJECT",
	"SecretName":               "SECRET_NAME",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

func nonZero(val, defaultVal int) int {
	if val != 0 {
		return val
	}
	return defaultVal
}

func durationOrDefault(val string, defaultVal time.Duration) (time.Duration, error) {
	if val == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(val)
}

func intOrDefault(val string, defaultVal int) (int, error) {
	if val == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(val)
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
