package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mixelka/tginbox/pkg/models"
)

// Config application configuration
type Config struct {
	// SMTP listener
	ListenAddr     string        `env:"SMTP_LISTEN" envDefault:":2525"`
	Hostname       string        `env:"SMTP_HOSTNAME"` // defaults to os.Hostname
	MaxMessageSize int64         `env:"SMTP_MAX_MESSAGE_SIZE" envDefault:"10485760"`
	MaxSessions    int           `env:"SMTP_MAX_SESSIONS" envDefault:"100"`
	IdleTimeout    time.Duration `env:"SMTP_IDLE_TIMEOUT" envDefault:"60s"`
	QueueWait      time.Duration `env:"SMTP_QUEUE_WAIT" envDefault:"250ms"`
	ShutdownGrace  time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// STARTTLS (optional)
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Accounts
	AccountsFile string `env:"ACCOUNTS_FILE" envDefault:"./accounts.yml"`

	// Forwarding
	TelegramAPIURL  string        `env:"TELEGRAM_API_URL"` // override for tests and proxies
	ForwardAttempts int           `env:"FORWARD_ATTEMPTS" envDefault:"3"`
	ForwardTimeout  time.Duration `env:"FORWARD_TIMEOUT" envDefault:"2m"`
	ExcerptLength   int           `env:"EXCERPT_LENGTH" envDefault:"1000"`

	// Delivery journal (optional)
	JournalPath string `env:"JOURNAL_PATH"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TLSEnabled returns true if a STARTTLS certificate is configured
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to detect hostname: %w", err)
		}
		cfg.Hostname = hostname
	}

	if cfg.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("SMTP_MAX_MESSAGE_SIZE must be positive, got %d", cfg.MaxMessageSize)
	}
	if cfg.MaxSessions <= 0 {
		return nil, fmt.Errorf("SMTP_MAX_SESSIONS must be positive, got %d", cfg.MaxSessions)
	}
	if cfg.ForwardAttempts <= 0 {
		return nil, fmt.Errorf("FORWARD_ATTEMPTS must be positive, got %d", cfg.ForwardAttempts)
	}

	return cfg, nil
}

// accountsFile is the on-disk layout of the accounts file
type accountsFile struct {
	Accounts []models.Account `yaml:"accounts"`
}

// LoadAccounts reads and validates the accounts file. Every record
// needs an address, a bot token and a chat id; duplicate addresses
// are rejected so that routing stays unambiguous.
func LoadAccounts(path string) ([]models.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	if len(file.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s defines no accounts", path)
	}

	seen := make(map[string]struct{}, len(file.Accounts))
	for i, acc := range file.Accounts {
		if acc.Address == "" {
			return nil, fmt.Errorf("account %d: address is required", i)
		}
		if acc.BotToken == "" {
			return nil, fmt.Errorf("account %s: bot_token is required", acc.Address)
		}
		if acc.ChatID == "" {
			return nil, fmt.Errorf("account %s: chat_id is required", acc.Address)
		}
		if _, dup := seen[acc.Address]; dup {
			return nil, fmt.Errorf("duplicate account address %s", acc.Address)
		}
		seen[acc.Address] = struct{}{}
	}

	return file.Accounts, nil
}
