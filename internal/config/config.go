package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"milestonepay/internal/domain"
	"milestonepay/internal/ledger"
)

// Config models mpay.yml.
type Config struct {
	Mode           domain.PaymentMode `yaml:"mode" json:"mode"`
	Currency       string             `yaml:"currency" json:"currency"`
	CommissionRate string             `yaml:"commission_rate" json:"commission_rate"`
	// Sandbox lets direct payments proceed without a registered payout method.
	Sandbox  bool `yaml:"sandbox" json:"sandbox"`
	Provider struct {
		BaseURL        string `yaml:"base_url" json:"base_url"`
		APIKey         string `yaml:"api_key" json:"-"`
		TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	} `yaml:"provider" json:"provider"`
	Webhooks struct {
		Secret        string  `yaml:"secret" json:"-"`
		RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
		Burst         int     `yaml:"burst" json:"burst"`
	} `yaml:"webhooks" json:"webhooks"`
	Scheduler   SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Subscribers []Subscriber    `yaml:"subscribers" json:"subscribers"`
	Log         struct {
		Level  string `yaml:"level" json:"level"`
		Format string `yaml:"format" json:"format"`
	} `yaml:"log" json:"log"`
}

type SchedulerConfig struct {
	RetrySpec          string `yaml:"retry_spec" json:"retry_spec"`
	SweepSpec          string `yaml:"sweep_spec" json:"sweep_spec"`
	JitterSeconds      int    `yaml:"jitter_seconds" json:"jitter_seconds"`
	PendingPaymentDays int    `yaml:"pending_payment_days" json:"pending_payment_days"`
	FundsHeldDays      int    `yaml:"funds_held_days" json:"funds_held_days"`
	ValidatedDays      int    `yaml:"validated_days" json:"validated_days"`
	// CaptureGraceMinutes is how long a VALIDATED tranche may wait on its first capture
	// before the retry job picks it up.
	CaptureGraceMinutes int `yaml:"capture_grace_minutes" json:"capture_grace_minutes"`
}

// Subscriber receives mission lifecycle events over HTTP.
type Subscriber struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"-"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

func (s Subscriber) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("config.mode must be 'direct' or 'escrow', got %q", c.Mode)
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		return fmt.Errorf("config.currency must be an ISO 4217 code")
	}
	rate, err := c.Rate()
	if err != nil {
		return err
	}
	switch c.Mode {
	case domain.ModeDirect:
		if !rate.IsZero() {
			return fmt.Errorf("config.commission_rate must be 0 in direct mode")
		}
	case domain.ModeEscrow:
		if !rate.IsPositive() {
			return fmt.Errorf("config.commission_rate must be > 0 in escrow mode")
		}
	}
	if c.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("config.provider.timeout_seconds must not be negative")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"retry_spec": c.Scheduler.RetrySpec,
		"sweep_spec": c.Scheduler.SweepSpec,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("config.scheduler.%s: %w", name, err)
		}
	}
	for i, sub := range c.Subscribers {
		if strings.TrimSpace(sub.URL) == "" {
			return fmt.Errorf("config.subscribers[%d].url is required", i)
		}
		for _, evt := range sub.Events {
			switch domain.EventType(evt) {
			case domain.EventMissionClosed, domain.EventMissionReopened, domain.EventCaptureRequested:
			default:
				return fmt.Errorf("config.subscribers[%d] references unknown event %s", i, evt)
			}
		}
	}
	return nil
}

// Rate returns the commission rate as a decimal. An empty value means 0.
func (c *Config) Rate() (decimal.Decimal, error) {
	if strings.TrimSpace(c.CommissionRate) == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(c.CommissionRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config.commission_rate: %w", err)
	}
	if err := ledger.ValidateRate(rate); err != nil {
		return decimal.Zero, fmt.Errorf("config.commission_rate: %w", err)
	}
	return rate, nil
}

// ProviderTimeout bounds every provider call.
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

func (s SchedulerConfig) PendingPaymentLimit() time.Duration {
	return days(s.PendingPaymentDays, 7)
}

func (s SchedulerConfig) FundsHeldLimit() time.Duration {
	return days(s.FundsHeldDays, 7)
}

func (s SchedulerConfig) ValidatedLimit() time.Duration {
	return days(s.ValidatedDays, 2)
}

func (s SchedulerConfig) CaptureGrace() time.Duration {
	if s.CaptureGraceMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.CaptureGraceMinutes) * time.Minute
}

func (s SchedulerConfig) Jitter() time.Duration {
	return time.Duration(s.JitterSeconds) * time.Second
}

func days(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * 24 * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mpay.yml")
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mpay config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(domain.ModeDirect), nil
	}
	return Load(path)
}

// GenerateDefault returns default config YAML for a mode.
func GenerateDefault(mode domain.PaymentMode) string {
	rate := "0"
	if mode == domain.ModeEscrow {
		rate = "0.1"
	}
	return fmt.Sprintf(defaultTemplate, mode, rate)
}

// Default returns the default Config struct for a mode.
func Default(mode domain.PaymentMode) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(mode))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `mode: %s
currency: EUR
commission_rate: "%s"
sandbox: true

provider:
  base_url: ""
  timeout_seconds: 10

webhooks:
  secret: ""
  rate_per_second: 20
  burst: 40

scheduler:
  retry_spec: "@every 30m"
  sweep_spec: "@daily"
  jitter_seconds: 60
  pending_payment_days: 7
  funds_held_days: 7
  validated_days: 2
  capture_grace_minutes: 30

subscribers: []

log:
  level: info
  format: text
`
