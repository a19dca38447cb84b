package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"phinbridge/internal/logging"
)

// Environment variable names
const (
	EnvAddr            = "PHINBRIDGE_ADDR"
	EnvAPISecret       = "PHINBRIDGE_API_SECRET"
	EnvTokenExpiration = "PHINBRIDGE_TOKEN_EXPIRATION"
	EnvNoAuth          = "PHINBRIDGE_NO_AUTH"
	EnvDBPath          = "PHINBRIDGE_DB_PATH"
	EnvLogLevel        = "PHINBRIDGE_LOG_LEVEL"
	EnvLogFormat       = "PHINBRIDGE_LOG_FORMAT"
	// pHin service settings
	EnvPhinBaseURL   = "PHINBRIDGE_PHIN_BASE_URL"
	EnvHTTPTimeout   = "PHINBRIDGE_HTTP_TIMEOUT"
	EnvPHAvgLen      = "PHINBRIDGE_PH_AVG_LEN"
	EnvORPAvgLen     = "PHINBRIDGE_ORP_AVG_LEN"
	EnvBatteryAvgLen = "PHINBRIDGE_BATTERY_AVG_LEN"
	EnvRSSIAvgLen    = "PHINBRIDGE_RSSI_AVG_LEN"
	EnvShortPoll     = "PHINBRIDGE_SHORT_POLL"
	EnvLongPoll      = "PHINBRIDGE_LONG_POLL"
	// MQTT settings
	EnvMQTTBroker   = "PHINBRIDGE_MQTT_BROKER"
	EnvMQTTClientID = "PHINBRIDGE_MQTT_CLIENT_ID"
	EnvMQTTUsername = "PHINBRIDGE_MQTT_USERNAME"
	EnvMQTTPassword = "PHINBRIDGE_MQTT_PASSWORD"
	EnvMQTTPrefix   = "PHINBRIDGE_MQTT_PREFIX"
	EnvMQTTUseTLS   = "PHINBRIDGE_MQTT_USE_TLS"
)

// Default values
const (
	DefaultAddr            = ":8080"
	DefaultTokenExpiration = 24 * time.Hour
	DefaultNoAuth          = false
	DefaultDBPath          = "phinbridge.db"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	// pHin defaults
	DefaultPhinBaseURL   = "https://api.phin.co"
	DefaultHTTPTimeout   = 30 * time.Second
	DefaultPHAvgLen      = 5
	DefaultORPAvgLen     = 5
	DefaultBatteryAvgLen = 5
	DefaultRSSIAvgLen    = 1
	DefaultShortPoll     = "@every 60s"
	DefaultLongPoll      = "@every 10m"
	// MQTT defaults
	DefaultMQTTBroker   = ""
	DefaultMQTTClientID = ""
	DefaultMQTTUsername = ""
	DefaultMQTTPassword = ""
	DefaultMQTTPrefix   = "phinbridge"
	DefaultMQTTUseTLS   = false
)

const maxAvgLen = 100

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr   string
	dbPath string

	// Security settings
	apiSecret       string
	tokenExpiration time.Duration
	noAuth          bool

	// Logging
	logLevel  string
	logFormat string

	// pHin settings
	phinBaseURL   string
	httpTimeout   time.Duration
	phAvgLen      int
	orpAvgLen     int
	batteryAvgLen int
	rssiAvgLen    int
	shortPoll     string
	longPoll      string

	// MQTT settings
	mqttBroker   string
	mqttClientID string
	mqttUsername string
	mqttPassword string
	mqttPrefix   string
	mqttUseTLS   bool
}

// Load loads configuration from .env file or creates it with defaults.
// This is the main entry point for configuration initialization.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	cfg.setDefaults()

	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	// Generate API secret if empty
	if cfg.apiSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate API secret: %w", err)
		}
		cfg.apiSecret = secret
		cfg.dirty = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Save if config was modified (new file or generated secret)
	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.dbPath = DefaultDBPath
	c.apiSecret = ""
	c.tokenExpiration = DefaultTokenExpiration
	c.noAuth = DefaultNoAuth
	c.logLevel = DefaultLogLevel
	c.logFormat = DefaultLogFormat

	c.phinBaseURL = DefaultPhinBaseURL
	c.httpTimeout = DefaultHTTPTimeout
	c.phAvgLen = DefaultPHAvgLen
	c.orpAvgLen = DefaultORPAvgLen
	c.batteryAvgLen = DefaultBatteryAvgLen
	c.rssiAvgLen = DefaultRSSIAvgLen
	c.shortPoll = DefaultShortPoll
	c.longPoll = DefaultLongPoll

	c.mqttBroker = DefaultMQTTBroker
	c.mqttClientID = DefaultMQTTClientID
	c.mqttUsername = DefaultMQTTUsername
	c.mqttPassword = DefaultMQTTPassword
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = DefaultMQTTUseTLS
}

// loadFromFile reads configuration from .env file.
// Variables set in the process environment override the file.
func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		c.applyValues(environ())
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}
	for k, v := range environ() {
		values[k] = v
	}

	c.applyValues(values)
	return nil
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) {
	if v, ok := values[EnvAddr]; ok && v != "" {
		c.addr = v
	}
	if v, ok := values[EnvDBPath]; ok && v != "" {
		c.dbPath = v
	}
	if v, ok := values[EnvAPISecret]; ok && v != "" {
		c.apiSecret = v
	}
	if v, ok := values[EnvTokenExpiration]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.tokenExpiration = time.Duration(seconds) * time.Second
		}
	}
	if v, ok := values[EnvNoAuth]; ok {
		c.noAuth = parseBool(v)
	}
	if v, ok := values[EnvLogLevel]; ok && v != "" {
		c.logLevel = strings.ToLower(v)
	}
	if v, ok := values[EnvLogFormat]; ok && v != "" {
		c.logFormat = strings.ToLower(v)
	}

	// pHin settings
	if v, ok := values[EnvPhinBaseURL]; ok && v != "" {
		c.phinBaseURL = v
	}
	if v, ok := values[EnvHTTPTimeout]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.httpTimeout = time.Duration(seconds) * time.Second
		}
	}
	applyInt(values, EnvPHAvgLen, &c.phAvgLen)
	applyInt(values, EnvORPAvgLen, &c.orpAvgLen)
	applyInt(values, EnvBatteryAvgLen, &c.batteryAvgLen)
	applyInt(values, EnvRSSIAvgLen, &c.rssiAvgLen)
	if v, ok := values[EnvShortPoll]; ok && v != "" {
		c.shortPoll = v
	}
	if v, ok := values[EnvLongPoll]; ok && v != "" {
		c.longPoll = v
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTClientID]; ok {
		c.mqttClientID = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.mqttUsername = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.mqttPassword = v
	}
	if v, ok := values[EnvMQTTPrefix]; ok && v != "" {
		c.mqttPrefix = v
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	// Check if address format is valid
	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		if _, err := strconv.Atoi(strings.TrimPrefix(c.addr, ":")); err != nil {
			return fmt.Errorf("invalid server address format: %s", c.addr)
		}
	} else {
		if port == "" {
			return errors.New("port cannot be empty")
		}
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 1 || portNum > 65535 {
			return fmt.Errorf("invalid port number: %s", port)
		}
	}

	if c.tokenExpiration < time.Minute {
		return errors.New("token expiration must be at least 1 minute")
	}
	if c.tokenExpiration > 365*24*time.Hour {
		return errors.New("token expiration cannot exceed 1 year")
	}

	if c.dbPath == "" || strings.ContainsAny(c.dbPath, "\x00") {
		return errors.New("database path is not valid")
	}

	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return err
	}
	if c.logFormat != "json" && c.logFormat != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.logFormat)
	}

	if !strings.HasPrefix(c.phinBaseURL, "http://") && !strings.HasPrefix(c.phinBaseURL, "https://") {
		return fmt.Errorf("invalid pHin base url: %s", c.phinBaseURL)
	}
	if c.httpTimeout < time.Second {
		return errors.New("http timeout must be at least 1 second")
	}

	for name, n := range map[string]int{
		EnvPHAvgLen:      c.phAvgLen,
		EnvORPAvgLen:     c.orpAvgLen,
		EnvBatteryAvgLen: c.batteryAvgLen,
		EnvRSSIAvgLen:    c.rssiAvgLen,
	} {
		if n < 1 || n > maxAvgLen {
			return fmt.Errorf("%s must be between 1 and %d", name, maxAvgLen)
		}
	}

	if _, err := cron.ParseStandard(c.shortPoll); err != nil {
		return fmt.Errorf("invalid short poll schedule %q: %w", c.shortPoll, err)
	}
	if _, err := cron.ParseStandard(c.longPoll); err != nil {
		return fmt.Errorf("invalid long poll schedule %q: %w", c.longPoll, err)
	}

	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:            c.addr,
		EnvDBPath:          c.dbPath,
		EnvAPISecret:       c.apiSecret,
		EnvTokenExpiration: strconv.Itoa(int(c.tokenExpiration.Seconds())),
		EnvNoAuth:          strconv.FormatBool(c.noAuth),
		EnvLogLevel:        c.logLevel,
		EnvLogFormat:       c.logFormat,
		// pHin settings
		EnvPhinBaseURL:   c.phinBaseURL,
		EnvHTTPTimeout:   strconv.Itoa(int(c.httpTimeout.Seconds())),
		EnvPHAvgLen:      strconv.Itoa(c.phAvgLen),
		EnvORPAvgLen:     strconv.Itoa(c.orpAvgLen),
		EnvBatteryAvgLen: strconv.Itoa(c.batteryAvgLen),
		EnvRSSIAvgLen:    strconv.Itoa(c.rssiAvgLen),
		EnvShortPoll:     c.shortPoll,
		EnvLongPoll:      c.longPoll,
		// MQTT settings
		EnvMQTTBroker:   c.mqttBroker,
		EnvMQTTClientID: c.mqttClientID,
		EnvMQTTUsername: c.mqttUsername,
		EnvMQTTPassword: c.mqttPassword,
		EnvMQTTPrefix:   c.mqttPrefix,
		EnvMQTTUseTLS:   strconv.FormatBool(c.mqttUseTLS),
	}
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// APISecret returns the key used to sign control API tokens.
func (c *Config) APISecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiSecret
}

// TokenExpiration returns the control API token lifetime.
func (c *Config) TokenExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// LogLevel returns the configured log level name.
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel
}

// LogFormat returns "json" or "console".
func (c *Config) LogFormat() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logFormat
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// pHin Getters

// PhinBaseURL returns the pHin API base URL.
func (c *Config) PhinBaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phinBaseURL
}

// HTTPTimeout returns the per-request transport timeout.
func (c *Config) HTTPTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.httpTimeout
}

// AverageWindow returns the number of chart samples averaged for
// pH, ORP, battery and RSSI.
func (c *Config) AverageWindow() (ph, orp, battery, rssi int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phAvgLen, c.orpAvgLen, c.batteryAvgLen, c.rssiAvgLen
}

// ShortPoll returns the cron schedule of the reading poll.
func (c *Config) ShortPoll() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shortPoll
}

// LongPoll returns the cron schedule of the heartbeat poll.
func (c *Config) LongPoll() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.longPoll
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTClientID returns the MQTT client ID.
func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

// MQTTUsername returns the MQTT username.
func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

// MQTTPassword returns the MQTT password.
func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTPrefix returns the MQTT topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// Setters (thread-safe, auto-save)

// SetLogLevel sets the log level and saves to file.
func (c *Config) SetLogLevel(level string) error {
	if _, err := logging.ParseLevel(level); err != nil {
		return err
	}

	c.mu.Lock()
	c.logLevel = strings.ToLower(level)
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func applyInt(values map[string]string, key string, dst *int) {
	v, ok := values[key]
	if !ok || v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// environ returns the PHINBRIDGE_ variables of the process environment.
func environ() map[string]string {
	values := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "PHINBRIDGE_") {
			values[k] = v
		}
	}
	return values
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secretDisplay := "[not set]"
	if c.apiSecret != "" {
		secretDisplay = "[set]"
	}

	return fmt.Sprintf(
		"Config{Addr: %q, APISecret: %s, TokenExpiration: %v, NoAuth: %v, DBPath: %q, PhinBaseURL: %q, ShortPoll: %q, LongPoll: %q, MQTTBroker: %q}",
		c.addr, secretDisplay, c.tokenExpiration, c.noAuth, c.dbPath, c.phinBaseURL, c.shortPoll, c.longPoll, c.mqttBroker,
	)
}
