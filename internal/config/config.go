package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/droidpool/droidpool/internal/workos"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all pool configuration. The skew and the unhealthy threshold
// are operational tuning knobs, deliberately not hard-coded.
type Config struct {
	// Server settings
	HTTPAddress string

	// MasterSecret is the key material for the secret cipher. Required.
	MasterSecret string

	// SnapshotPath is where the encrypted credential snapshot is journaled.
	// Empty disables persistence.
	SnapshotPath string

	// Token lifecycle tuning
	RefreshSkew        time.Duration
	UnhealthyThreshold uint64
	UpstreamTimeout    time.Duration

	// Endpoint overrides, primarily for testing
	WorkOSTokenURL    string
	FactoryOrgURL     string
	FactoryAPIBaseURL string
}

// Load reads configuration from the droidpool config file and environment
// variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	envMappings := map[string]string{
		"HTTPAddress":        "DROIDPOOL_HTTP_ADDRESS",
		"MasterSecret":       "DROIDPOOL_MASTER_SECRET",
		"SnapshotPath":       "DROIDPOOL_SNAPSHOT_PATH",
		"RefreshSkew":        "DROIDPOOL_REFRESH_SKEW",
		"UnhealthyThreshold": "DROIDPOOL_UNHEALTHY_THRESHOLD",
		"UpstreamTimeout":    "DROIDPOOL_UPSTREAM_TIMEOUT",
		"WorkOSTokenURL":     "DROIDPOOL_WORKOS_TOKEN_URL",
		"FactoryOrgURL":      "DROIDPOOL_FACTORY_ORG_URL",
		"FactoryAPIBaseURL":  "DROIDPOOL_FACTORY_API_BASE_URL",
	}
	for configKey, envVar := range envMappings {
		if err := v.BindEnv(configKey, envVar); err != nil {
			log.Warn().Err(err).Msgf("Failed to bind environment variable %s for %s", envVar, configKey)
		}
	}

	v.SetConfigName("droidpool")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.droidpool")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Msgf("Using config file: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if config.MasterSecret == "" {
		return nil, fmt.Errorf("DROIDPOOL_MASTER_SECRET is required")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTPAddress", ":8180")
	v.SetDefault("SnapshotPath", "credentials.json")
	v.SetDefault("RefreshSkew", 5*time.Minute)
	v.SetDefault("UnhealthyThreshold", 5)
	v.SetDefault("UpstreamTimeout", 60*time.Second)
	v.SetDefault("WorkOSTokenURL", workos.DefaultTokenURL)
	v.SetDefault("FactoryOrgURL", workos.DefaultOrgURL)
	v.SetDefault("FactoryAPIBaseURL", "https://api.factory.ai/api/llm")
}
