// config/config.go
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"mailbag/internal/logging"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	IMAP     IMAPConfig     `toml:"imap"`
	SMTP     SMTPConfig     `toml:"smtp"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Contacts ContactsConfig `toml:"contacts"`
	Security SecurityConfig `toml:"security"`
	Log      logging.Config `toml:"log"`
}

type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	TLSCert     string   `toml:"tls_cert"`
	TLSKey      string   `toml:"tls_key"`
	BodyLimit   int      `toml:"body_limit"` // In bytes
	CORSOrigins []string `toml:"cors_origins"`
	// RequestTimeout bounds each API request. Zero disables it.
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// Endpoint is the connection part shared by the IMAP and SMTP sections.
type Endpoint struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	TLS                bool   `toml:"tls"`
	StartTLS           bool   `toml:"starttls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`

	DialTimeout    time.Duration `toml:"dial_timeout"`
	CommandTimeout time.Duration `toml:"command_timeout"`

	PoolSize       int           `toml:"pool_size"`
	AcquireTimeout time.Duration `toml:"acquire_timeout"`
	IdleTimeout    time.Duration `toml:"idle_timeout"`
}

type IMAPConfig struct {
	Endpoint
}

type SMTPConfig struct {
	Endpoint
	From       string `toml:"from"`
	SentFolder string `toml:"sent_folder"`
}

type GatewayConfig struct {
	BodyCacheTTL  time.Duration `toml:"body_cache_ttl"`
	BodyCacheSize int           `toml:"body_cache_size"` // In bytes
	PreferHTML    bool          `toml:"prefer_html"`
}

type ContactsConfig struct {
	Database string `toml:"database"`
	ImageDir string `toml:"image_dir"`
}

type SecurityConfig struct {
	JWTSecret string        `toml:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl"`
	RateLimit float64       `toml:"rate_limit"` // Requests per second per client
	RateBurst int           `toml:"rate_burst"`
}

// Environment variables that override secrets from the file.
const (
	EnvIMAPPassword = "MAILBAG_IMAP_PASSWORD"
	EnvSMTPPassword = "MAILBAG_SMTP_PASSWORD"
	EnvJWTSecret    = "MAILBAG_JWT_SECRET"
)

// Default configuration values
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           8080,
			BodyLimit:      10 << 20,
			CORSOrigins:    []string{"*"},
			RequestTimeout: time.Minute,
		},
		IMAP: IMAPConfig{Endpoint: Endpoint{
			Port:           993,
			TLS:            true,
			DialTimeout:    5 * time.Second,
			CommandTimeout: 30 * time.Second,
			PoolSize:       4,
			AcquireTimeout: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
		}},
		SMTP: SMTPConfig{Endpoint: Endpoint{
			Port:           587,
			StartTLS:       true,
			DialTimeout:    5 * time.Second,
			CommandTimeout: 30 * time.Second,
			PoolSize:       2,
			AcquireTimeout: 10 * time.Second,
			IdleTimeout:    time.Minute,
		}},
		Gateway: GatewayConfig{
			BodyCacheSize: 32 << 20,
		},
		Contacts: ContactsConfig{
			Database: "data/contacts.db",
			ImageDir: "data/images",
		},
		Security: SecurityConfig{
			TokenTTL:  12 * time.Hour,
			RateLimit: 20,
			RateBurst: 40,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

var searchPaths = []string{
	"./config.toml",
	"~/.config/mailbag/config.toml",
	"/etc/mailbag/config.toml",
}

// Load loads the configuration from path, or from the first standard
// location that exists when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, loc := range searchPaths {
			expanded, err := expandPath(loc)
			if err != nil {
				continue
			}
			if _, err := os.Stat(expanded); err == nil {
				path = expanded
				break
			}
		}
	}

	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, err
		}
		if _, err := toml.DecodeFile(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.discover()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvIMAPPassword); ok {
		c.IMAP.Password = v
	}
	if v, ok := os.LookupEnv(EnvSMTPPassword); ok {
		c.SMTP.Password = v
	}
	if v, ok := os.LookupEnv(EnvJWTSecret); ok {
		c.Security.JWTSecret = v
	}
}

// discover fills blank hosts from the account address. SMTP falls back to
// the IMAP account and credentials.
func (c *Config) discover() {
	if c.SMTP.Username == "" {
		c.SMTP.Username = c.IMAP.Username
		if c.SMTP.Password == "" {
			c.SMTP.Password = c.IMAP.Password
		}
	}
	if c.SMTP.From == "" {
		c.SMTP.From = c.IMAP.Username
	}

	account := c.IMAP.Username
	if account == "" {
		account = c.SMTP.From
	}
	servers, ok := DetectServers(account)
	if !ok {
		return
	}
	if c.IMAP.Host == "" {
		c.IMAP.Host = servers.IMAP
	}
	if c.SMTP.Host == "" {
		c.SMTP.Host = servers.SMTP
	}
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server tls_cert and tls_key must be set together"))
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, errors.New("server request_timeout must not be negative"))
	}

	errs = append(errs, c.IMAP.validate("imap")...)
	errs = append(errs, c.SMTP.validate("smtp")...)
	if c.IMAP.TLS && c.IMAP.StartTLS {
		errs = append(errs, errors.New("imap: tls and starttls are exclusive"))
	}
	if c.SMTP.TLS && c.SMTP.StartTLS {
		errs = append(errs, errors.New("smtp: tls and starttls are exclusive"))
	}
	if c.SMTP.From != "" {
		if _, err := mail.ParseAddress(c.SMTP.From); err != nil {
			errs = append(errs, fmt.Errorf("smtp: invalid from address %q", c.SMTP.From))
		}
	}

	if c.Gateway.BodyCacheTTL < 0 || c.Gateway.BodyCacheSize < 0 {
		errs = append(errs, errors.New("gateway: body cache settings must not be negative"))
	}
	if c.Contacts.Database == "" {
		errs = append(errs, errors.New("contacts: database path is required"))
	}
	if c.Security.RateLimit < 0 || c.Security.RateBurst < 0 {
		errs = append(errs, errors.New("security: rate limit must not be negative"))
	}
	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < 16 {
		errs = append(errs, errors.New("security: jwt_secret must be at least 16 characters"))
	}
	if c.Security.TokenTTL < time.Minute {
		errs = append(errs, errors.New("security: token_ttl must be at least 1 minute"))
	}

	return errors.Join(errs...)
}

func (e Endpoint) validate(section string) []error {
	var errs []error
	if e.Host == "" {
		errs = append(errs, fmt.Errorf("%s: host is required", section))
	}
	if e.Port < 1 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s: invalid port number: %d", section, e.Port))
	}
	if e.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("%s: pool_size must be positive", section))
	}
	if e.DialTimeout <= 0 || e.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s: timeouts must be positive", section))
	}
	return errs
}

// expandPath expands the ~ in paths to the user's home directory
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// Save writes the configuration to path. Secrets are written as they are;
// the file is created with mode 0600.
func (c *Config) Save(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(expanded)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(expanded, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(c)
}
