// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"fmt"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// GeminiConfig holds the connection parameters for the Gemini Live
// upstream (one outbound streaming connection per call).
type GeminiConfig struct {
	Host           string        `mapstructure:"host" validate:"required"`
	ApiKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model" validate:"required"`
	Voice          string        `mapstructure:"voice"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"required"`
}

// CrmConfig holds the CRM backend callback parameters. An empty base URL
// disables the gateway (local development, tests).
type CrmConfig struct {
	BaseUrl string        `mapstructure:"base_url"`
	ApiKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required"`
}

// Application config structure
type BridgeConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	// AuthToken is the shared secret the telephony switch presents as a
	// query parameter. Empty disables the check entirely.
	AuthToken string `mapstructure:"auth_token"`

	// TrustedRanges is a comma-separated CIDR list. Connections from these
	// ranges are admitted without a token even when AuthToken is set.
	TrustedRanges string `mapstructure:"trusted_ranges"`

	MaxSessions     int           `mapstructure:"max_sessions" validate:"required,gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required"`

	Gemini GeminiConfig `mapstructure:"gemini" validate:"required"`
	Crm    CrmConfig    `mapstructure:"crm"`
}

// TrustedCIDRs parses TrustedRanges into networks. Invalid entries are an
// error so that a typo in the allowlist fails startup instead of silently
// widening or narrowing the trust boundary.
func (c *BridgeConfig) TrustedCIDRs() ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range strings.Split(c.TrustedRanges, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted range %q: %w", entry, err)
		}
		nets = append(nets, network)
	}
	return nets, nil
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "voice-bridge")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8081)
	v.SetDefault("LOG_LEVEL", "debug")

	v.SetDefault("AUTH_TOKEN", "")
	v.SetDefault("TRUSTED_RANGES", "127.0.0.0/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16")
	v.SetDefault("MAX_SESSIONS", 20)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	v.SetDefault("GEMINI__HOST", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent")
	v.SetDefault("GEMINI__API_KEY", "")
	v.SetDefault("GEMINI__MODEL", "models/gemini-2.0-flash-live-001")
	v.SetDefault("GEMINI__VOICE", "Puck")
	v.SetDefault("GEMINI__CONNECT_TIMEOUT", "10s")

	v.SetDefault("CRM__BASE_URL", "")
	v.SetDefault("CRM__API_KEY", "")
	v.SetDefault("CRM__TIMEOUT", "5s")
}

// Getting application config from viper
func GetBridgeConfig(v *viper.Viper) (*BridgeConfig, error) {
	var config BridgeConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
