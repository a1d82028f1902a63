// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/rapidaai/peercall/pkg/connectors"
	"github.com/rapidaai/peercall/pkg/utils"
)

// Application config structure
type AppConfig struct {
	Name        string `mapstructure:"service_name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogPath     string `mapstructure:"log_path"`
	Environment string `mapstructure:"env"`

	// Allowed browser origins of the control API.
	CorsOrigins []string `mapstructure:"cors_origins"`

	SignalingConfig SignalingConfig        `mapstructure:"signaling" validate:"required"`
	WebRTCConfig    WebRTCConfig           `mapstructure:"webrtc"`
	RecordingConfig RecordingConfig        `mapstructure:"recording"`
	AuthConfig      AuthConfig             `mapstructure:"auth" validate:"required"`
	RedisConfig     connectors.RedisConfig `mapstructure:"redis"`
	CallLogConfig   connectors.SQLConfig   `mapstructure:"call_log" validate:"required"`
}

// SignalingConfig points at the signaling WebSocket of the signed in user.
type SignalingConfig struct {
	URL              string        `mapstructure:"url" validate:"required,url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	ReadLimit        int64         `mapstructure:"read_limit"`
}

type WebRTCConfig struct {
	ICEServers    []string `mapstructure:"ice_servers"`
	ICEUsername   string   `mapstructure:"ice_username"`
	ICECredential string   `mapstructure:"ice_credential"`
	RelayOnly     bool     `mapstructure:"relay_only"`

	// Ogg/Opus file played as the local microphone. Empty means receive only.
	CaptureFile string `mapstructure:"capture_file"`
	CaptureLoop bool   `mapstructure:"capture_loop"`
}

type RecordingConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	APIBaseURL      string        `mapstructure:"api_base_url" validate:"required_if=Enabled true"`
	ChunkInterval   time.Duration `mapstructure:"chunk_interval" validate:"gt=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout" validate:"gt=0"`
}

// AuthConfig selects where the bearer token comes from. "static" uses Token;
// "redis" reads RedisKey on every request so a refreshed login is picked up.
type AuthConfig struct {
	Source     string        `mapstructure:"source" validate:"required,oneof=static redis"`
	Token      string        `mapstructure:"token" validate:"required_if=Source static"`
	RedisKey   string        `mapstructure:"redis_key" validate:"required_if=Source redis"`
	ExpirySkew time.Duration `mapstructure:"expiry_skew"`
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
	if err := vConfig.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, err
		}
		log.Printf("Reading from env variables.")
	}
	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// every key needs a default so that AutomaticEnv picks it up on Unmarshal
	// https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "call-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9095)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", os.TempDir())
	v.SetDefault("ENV", utils.DEVELOPMENT.Get())
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	v.SetDefault("SIGNALING__URL", "ws://localhost:8080/ws")
	v.SetDefault("SIGNALING__HANDSHAKE_TIMEOUT", "30s")
	v.SetDefault("SIGNALING__WRITE_TIMEOUT", "10s")
	v.SetDefault("SIGNALING__PING_INTERVAL", "25s")
	v.SetDefault("SIGNALING__READ_LIMIT", 1<<20)

	v.SetDefault("WEBRTC__ICE_SERVERS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	v.SetDefault("WEBRTC__ICE_USERNAME", "")
	v.SetDefault("WEBRTC__ICE_CREDENTIAL", "")
	v.SetDefault("WEBRTC__RELAY_ONLY", false)
	v.SetDefault("WEBRTC__CAPTURE_FILE", "")
	v.SetDefault("WEBRTC__CAPTURE_LOOP", true)

	v.SetDefault("RECORDING__ENABLED", false)
	v.SetDefault("RECORDING__API_BASE_URL", "")
	v.SetDefault("RECORDING__CHUNK_INTERVAL", "2s")
	v.SetDefault("RECORDING__MAX_ATTEMPTS", 8)
	v.SetDefault("RECORDING__RETRY_DELAY", "2s")
	v.SetDefault("RECORDING__REQUEST_TIMEOUT", "30s")
	v.SetDefault("RECORDING__FINALIZE_TIMEOUT", "30s")

	v.SetDefault("AUTH__SOURCE", "static")
	v.SetDefault("AUTH__TOKEN", "")
	v.SetDefault("AUTH__REDIS_KEY", "")
	v.SetDefault("AUTH__EXPIRY_SKEW", "5s")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DB", 0)

	v.SetDefault("CALL_LOG__DRIVER", "sqlite")
	v.SetDefault("CALL_LOG__DSN", "call_log.db")
	v.SetDefault("CALL_LOG__MAX_OPEN_CONNECTION", 1)
	v.SetDefault("CALL_LOG__MAX_IDEAL_CONNECTION", 1)
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
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

// IsProduction reports whether the service runs with production settings.
func (cfg *AppConfig) IsProduction() bool {
	return utils.FromEnvironmentStr(cfg.Environment) == utils.PRODUCTION
}

// GinMode is the gin mode the HTTP surface runs in.
func (cfg *AppConfig) GinMode() string {
	if cfg.IsProduction() {
		return gin.ReleaseMode
	}
	return gin.DebugMode
}
