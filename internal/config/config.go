// Package config loads carbscan settings from the environment and optional
// .env files.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/carbscan/internal/entitlement"
	"github.com/rcourtman/carbscan/internal/installation"
	"github.com/rcourtman/carbscan/internal/inference"
	"github.com/rs/zerolog/log"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "CARBSCAN_"

// Config holds runtime settings.
type Config struct {
	DataDir     string
	ListenAddr  string
	MetricsAddr string

	LogLevel  string
	LogFormat string
	LogFile   string

	// DevMode swaps the purchase ledger for an in-process one.
	DevMode bool

	TrialDays int
	Timezone  string
	Location  *time.Location

	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	InferenceTimeout time.Duration

	FirebaseAPIKey    string
	FirebaseProjectID string
	IdentityURL       string
	SecureTokenURL    string
	FirestoreURL      string

	LedgerURL       string
	LedgerToken     string
	LedgerPublicKey string

	ProductRules []entitlement.ProductRule

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
	// EnvFile is the .env file that was loaded, if any.
	EnvFile string
}

// DBPath is the local state database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "carbscan.db")
}

func defaults() *Config {
	return &Config{
		DataDir:          defaultDataDir(),
		ListenAddr:       "127.0.0.1:7655",
		MetricsAddr:      "127.0.0.1:9091",
		LogLevel:         "info",
		LogFormat:        "auto",
		TrialDays:        installation.DefaultTrialDays,
		Location:         time.Local,
		GeminiModel:      inference.DefaultModel,
		InferenceTimeout: inference.DefaultTimeout,
		EnvOverrides:     make(map[string]bool),
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "carbscan")
	}
	return "data"
}

// Load reads .env files and the environment, then validates the result.
// A .env in the data directory is read first, then one in the working
// directory. Variables already set in the process environment win.
func Load() (*Config, error) {
	dataDir := os.Getenv(EnvPrefix + "DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	var envFile string
	candidate := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(candidate); err == nil {
		if err := godotenv.Load(candidate); err != nil {
			log.Warn().Err(err).Str("file", candidate).Msg("Failed to load .env file")
		} else {
			envFile = candidate
			log.Info().Str("file", candidate).Msg("Loaded .env file")
		}
	}
	if err := godotenv.Load(); err == nil {
		if envFile == "" {
			envFile, _ = filepath.Abs(".env")
		}
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := defaults()
	cfg.DataDir = dataDir
	cfg.EnvFile = envFile
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays settings from lookup. Unset or empty variables keep
// their current values.
func (c *Config) applyEnv(lookup func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(lookup(EnvPrefix + name)); v != "" {
			*dst = v
			c.EnvOverrides[name] = true
		}
	}

	str("LISTEN_ADDR", &c.ListenAddr)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("LOG_FILE", &c.LogFile)
	str("TIMEZONE", &c.Timezone)
	str("GEMINI_API_KEY", &c.GeminiAPIKey)
	str("GEMINI_MODEL", &c.GeminiModel)
	str("GEMINI_BASE_URL", &c.GeminiBaseURL)
	str("FIREBASE_API_KEY", &c.FirebaseAPIKey)
	str("FIREBASE_PROJECT_ID", &c.FirebaseProjectID)
	str("IDENTITY_URL", &c.IdentityURL)
	str("SECURE_TOKEN_URL", &c.SecureTokenURL)
	str("FIRESTORE_URL", &c.FirestoreURL)
	str("LEDGER_URL", &c.LedgerURL)
	str("LEDGER_TOKEN", &c.LedgerToken)
	str("LEDGER_PUBLIC_KEY", &c.LedgerPublicKey)

	if v := strings.TrimSpace(lookup(EnvPrefix + "DEV_MODE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sDEV_MODE %q: %w", EnvPrefix, v, err)
		}
		c.DevMode = b
		c.EnvOverrides["DEV_MODE"] = true
	}

	if v := strings.TrimSpace(lookup(EnvPrefix + "TRIAL_DAYS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sTRIAL_DAYS %q: %w", EnvPrefix, v, err)
		}
		c.TrialDays = n
		c.EnvOverrides["TRIAL_DAYS"] = true
	}

	if v := strings.TrimSpace(lookup(EnvPrefix + "INFERENCE_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sINFERENCE_TIMEOUT %q: %w", EnvPrefix, v, err)
		}
		c.InferenceTimeout = d
		c.EnvOverrides["INFERENCE_TIMEOUT"] = true
	}

	if v := strings.TrimSpace(lookup(EnvPrefix + "PRODUCT_RULES")); v != "" {
		rules, err := entitlement.ParseProductRules(v)
		if err != nil {
			return fmt.Errorf("invalid %sPRODUCT_RULES: %w", EnvPrefix, err)
		}
		c.ProductRules = rules
		c.EnvOverrides["PRODUCT_RULES"] = true
	}
	return nil
}

// Validate checks values and derives Location.
func (c *Config) Validate() error {
	if c.TrialDays <= 0 {
		return fmt.Errorf("trial days must be positive, got %d", c.TrialDays)
	}
	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("inference timeout must be positive, got %s", c.InferenceTimeout)
	}
	for name, addr := range map[string]string{"listen": c.ListenAddr, "metrics": c.MetricsAddr} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s address %q: %w", name, addr, err)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}

	c.Location = time.Local
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
		c.Location = loc
	}

	if c.DevMode {
		return nil
	}
	if c.LedgerURL == "" {
		return fmt.Errorf("%sLEDGER_URL is required unless %sDEV_MODE is set", EnvPrefix, EnvPrefix)
	}
	if c.LedgerPublicKey == "" {
		return fmt.Errorf("%sLEDGER_PUBLIC_KEY is required unless %sDEV_MODE is set", EnvPrefix, EnvPrefix)
	}
	if _, err := entitlement.DecodePublicKey(c.LedgerPublicKey); err != nil {
		return fmt.Errorf("invalid %sLEDGER_PUBLIC_KEY: %w", EnvPrefix, err)
	}
	if c.FirebaseAPIKey == "" || c.FirebaseProjectID == "" {
		return fmt.Errorf("%sFIREBASE_API_KEY and %sFIREBASE_PROJECT_ID are required unless %sDEV_MODE is set", EnvPrefix, EnvPrefix, EnvPrefix)
	}
	return nil
}
