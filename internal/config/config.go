package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/smtpwire"
)

// MailLogToAppLogger is the MAIL_LOG_PATH value that sends mail log lines to
// the application logger instead of a file.
const MailLogToAppLogger = "-"

// Config captures all runtime configuration for the mail delivery service.
type Config struct {
	App  AppConfig
	Mail MailConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string `env:"APP_ENV" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// MailConfig is the per-call delivery configuration. It is read-only after
// load and safe to share between goroutines.
type MailConfig struct {
	// Drivers is the ordered fallback chain. When empty, DefaultDriver is
	// used on its own.
	Drivers        []string `env:"MAIL_DRIVERS" envSeparator:","`
	DefaultDriver  string   `env:"MAIL_DRIVER" envDefault:"log"`
	FromAddress    string   `env:"MAIL_FROM_ADDRESS" envDefault:"no-reply@localhost"`
	FromName       string   `env:"MAIL_FROM_NAME"`
	LogPath        string   `env:"MAIL_LOG_PATH" envDefault:"mail.log"`
	LogFormat      string   `env:"MAIL_LOG_FORMAT" envDefault:"text"`
	TimeoutSeconds int      `env:"MAIL_TIMEOUT_SECONDS" envDefault:"0"`
	// MaxConcurrency caps simultaneous deliveries per process; zero means
	// unlimited.
	MaxConcurrency int      `env:"MAIL_MAX_CONCURRENCY" envDefault:"0"`

	SMTP     SMTPConfig
	Sendmail SendmailConfig
	Postmark PostmarkConfig
}

// Timeout is the overall budget for one delivery call; zero means none.
func (c MailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SMTPConfig stores SMTP connection settings for the smtp driver.
type SMTPConfig struct {
	Host               string `env:"SMTP_HOST"`
	Port               int    `env:"SMTP_PORT" envDefault:"587"`
	Encryption         string `env:"SMTP_ENCRYPTION" envDefault:"tls"`
	TimeoutSeconds     int    `env:"SMTP_TIMEOUT_SECONDS" envDefault:"12"`
	Username           string `env:"SMTP_USERNAME"`
	Password           string `env:"SMTP_PASSWORD"`
	HeloName           string `env:"SMTP_HELO_NAME"`
	StrictTLS          bool   `env:"SMTP_STRICT_TLS" envDefault:"false"`
	StrictAuth         bool   `env:"SMTP_STRICT_AUTH" envDefault:"false"`
	StrictEnvelope     bool   `env:"SMTP_STRICT_ENVELOPE" envDefault:"true"`
	InsecureSkipVerify bool   `env:"SMTP_TLS_INSECURE_SKIP_VERIFY" envDefault:"false"`
}

// Timeout bounds every connect, read, write and handshake of a session.
func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SendmailConfig locates the host's local mail submission program.
type SendmailConfig struct {
	Path string   `env:"SENDMAIL_PATH" envDefault:"/usr/sbin/sendmail"`
	Args []string `env:"SENDMAIL_ARGS" envDefault:"-t,-i" envSeparator:","`
}

// PostmarkConfig stores credentials for the hosted postmark driver.
type PostmarkConfig struct {
	ServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	AccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	Tag          string `env:"POSTMARK_TAG" envDefault:"app-email"`
}

// Load reads environment variables, applies defaults, validates the result
// and returns a populated Config instance. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return finish(cfg)
}

// LoadFromMap behaves like Load but reads from the supplied environment
// instead of the process environment.
func LoadFromMap(environment map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environment}); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.Mail.Drivers = cleanList(cfg.Mail.Drivers)
	cfg.Mail.Sendmail.Args = cleanList(cfg.Mail.Sendmail.Args)
	cfg.Mail.DefaultDriver = strings.TrimSpace(cfg.Mail.DefaultDriver)
	cfg.Mail.FromAddress = strings.TrimSpace(cfg.Mail.FromAddress)
	cfg.Mail.LogFormat = strings.ToLower(strings.TrimSpace(cfg.Mail.LogFormat))
	cfg.Mail.SMTP.Host = strings.TrimSpace(cfg.Mail.SMTP.Host)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if lvl := strings.TrimSpace(c.App.LogLevel); lvl != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(lvl)); err != nil {
			errs = append(errs, fmt.Sprintf("LOG_LEVEL %q is not a valid level", c.App.LogLevel))
		}
	}

	m := c.Mail
	if m.FromAddress == "" {
		errs = append(errs, "MAIL_FROM_ADDRESS is required")
	}
	switch m.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("MAIL_LOG_FORMAT must be text or json, got %q", m.LogFormat))
	}
	if m.TimeoutSeconds < 0 {
		errs = append(errs, "MAIL_TIMEOUT_SECONDS must not be negative")
	}
	if m.MaxConcurrency < 0 {
		errs = append(errs, "MAIL_MAX_CONCURRENCY must not be negative")
	}
	if m.SMTP.Port <= 0 || m.SMTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SMTP_PORT must be between 1 and 65535, got %d", m.SMTP.Port))
	}
	if _, err := smtpwire.ParseEncryption(m.SMTP.Encryption); err != nil {
		errs = append(errs, fmt.Sprintf("SMTP_ENCRYPTION must be none, tls or ssl, got %q", m.SMTP.Encryption))
	}
	if m.SMTP.TimeoutSeconds < 0 {
		errs = append(errs, "SMTP_TIMEOUT_SECONDS must not be negative")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
