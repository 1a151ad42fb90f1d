// Copyright 2022 The stagybee Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header" validate:"required"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIEndpointConfig defines the REST API endpoint config
type APIEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// MetaFile is the static metadata file served verbatim by the meta end-point
	MetaFile string `mapstructure:"meta_file" json:"meta_file" validate:"required"`
}

// ===============================================================================
// Session Related Config

// SessionConfig defines the session lifecycle parameters
type SessionConfig struct {
	// DefaultTimeout is the session timeout in seconds when the subscriber does not request one
	DefaultTimeout int `mapstructure:"default_timeout_sec" json:"default_timeout_sec" validate:"gtefield=MinTimeout"`
	// MinTimeout is the session timeout floor in seconds. Shorter requested timeouts
	// are raised to this value.
	MinTimeout int `mapstructure:"min_timeout_sec" json:"min_timeout_sec" validate:"gte=1"`
	// SnapshotTimeout is the max duration in seconds for a catch-up snapshot push
	SnapshotTimeout int `mapstructure:"snapshot_timeout_sec" json:"snapshot_timeout_sec" validate:"gte=1"`
	// StopTimeout is the max duration in seconds for releasing an extractor on teardown
	StopTimeout int `mapstructure:"stop_timeout_sec" json:"stop_timeout_sec" validate:"gte=1"`
}

// DefaultTimeoutDuration helper to convert DefaultTimeout into time.Duration
func (c SessionConfig) DefaultTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.DefaultTimeout)
}

// MinTimeoutDuration helper to convert MinTimeout into time.Duration
func (c SessionConfig) MinTimeoutDuration() time.Duration {
	return time.Second * time.Duration(c.MinTimeout)
}

// ===============================================================================
// Extractor Related Config

// Supported extractor modes
const (
	ExtractorModeLive       = "live"
	ExtractorModeSimulation = "simulation"
)

// LiveExtractorConfig defines the upstream endpoints for the live extractor
type LiveExtractorConfig struct {
	// LoginURL is the form login end-point
	LoginURL string `mapstructure:"login_url" json:"login_url" validate:"required,url"`
	// AutoLoginURL is the key based login end-point. The key is appended to the URL.
	AutoLoginURL string `mapstructure:"auto_login_url" json:"auto_login_url" validate:"required,url"`
	// LogoutURL is the logout end-point
	LogoutURL string `mapstructure:"logout_url" json:"logout_url" validate:"required,url"`
	// WebSocketURL is the roster event stream end-point
	WebSocketURL string `mapstructure:"websocket_url" json:"websocket_url" validate:"required,url"`
	// RequestTimeout is the max duration in seconds for login / logout calls
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// SimulationExtractorConfig defines the simulated roster generator parameters
type SimulationExtractorConfig struct {
	// MinDelay is the min wait in milliseconds between generated rosters
	MinDelay int `mapstructure:"min_delay_ms" json:"min_delay_ms" validate:"gte=0"`
	// MaxDelay is the max wait in milliseconds between generated rosters
	MaxDelay int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gtfield=MinDelay"`
	// MaxNames is the max number of people in a generated roster
	MaxNames int `mapstructure:"max_names" json:"max_names" validate:"gte=0"`
}

// ExtractorConfig defines which extractor backend serves new sessions
type ExtractorConfig struct {
	// Mode selects the backend: live or simulation
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=live simulation"`
	// Live are the live extractor parameters
	Live LiveExtractorConfig `mapstructure:"live" json:"live" validate:"required,dive"`
	// Simulation are the simulation extractor parameters
	Simulation SimulationExtractorConfig `mapstructure:"simulation" json:"simulation" validate:"required,dive"`
}

// ===============================================================================
// Webhook Related Config

// WebhookConfig defines the outbound webhook delivery parameters
type WebhookConfig struct {
	// RequestTimeout is the max duration in seconds of one webhook POST
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// ProxyURL is an optional HTTP proxy for all outbound calls
	ProxyURL string `mapstructure:"proxy_url" json:"proxy_url" validate:"omitempty,url"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for mirroring session events into NATS
type NATSConfig struct {
	// Enabled whether session events are mirrored into NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// SubjectPrefix is prepended to every mirrored event subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// APIServer are the REST API server configs
	APIServer HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints are the REST API endpoint configs
	Endpoints APIEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session are the session lifecycle configs
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Extractor are the extractor backend configs
	Extractor ExtractorConfig `mapstructure:"extractor" json:"extractor" validate:"required,dive"`
	// Webhook are the webhook delivery configs
	Webhook WebhookConfig `mapstructure:"webhook" json:"webhook" validate:"required,dive"`
	// NATS are the NATS event mirror configs
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default API server settings
	viper.SetDefault("api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api_server.server_config.listen_port", 8080)
	viper.SetDefault("api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api_server.logging_config.request_id_header", "Stagybee-Request-ID")
	viper.SetDefault(
		"api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("endpoint_config.path_prefix", "/api")
	viper.SetDefault("endpoint_config.meta_file", "meta.json")

	// Default session settings
	viper.SetDefault("session.default_timeout_sec", 10800)
	viper.SetDefault("session.min_timeout_sec", 900)
	viper.SetDefault("session.snapshot_timeout_sec", 10)
	viper.SetDefault("session.stop_timeout_sec", 10)

	// Default extractor settings
	viper.SetDefault("extractor.mode", ExtractorModeLive)
	viper.SetDefault("extractor.live.login_url", "https://jwconf.org/login.php")
	viper.SetDefault("extractor.live.auto_login_url", "https://jwconf.org/stage.php?key=")
	viper.SetDefault("extractor.live.logout_url", "https://jwconf.org/index.php?logout")
	viper.SetDefault("extractor.live.websocket_url", "ws://jwconf.org:80/websocket")
	viper.SetDefault("extractor.live.request_timeout_sec", 30)
	viper.SetDefault("extractor.simulation.min_delay_ms", 1000)
	viper.SetDefault("extractor.simulation.max_delay_ms", 5000)
	viper.SetDefault("extractor.simulation.max_names", 20)

	// Default webhook settings
	viper.SetDefault("webhook.request_timeout_sec", 15)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.subject_prefix", "stagybee")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
}
