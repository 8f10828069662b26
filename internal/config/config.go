package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Platform struct {
		ID string `yaml:"id"`
	} `yaml:"platform"`
	Policy   Policy    `yaml:"policy"`
	Rails    Rails     `yaml:"rails"`
	Watchdog Watchdog  `yaml:"watchdog"`
	Webhooks []Webhook `yaml:"webhooks"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Logging Logging `yaml:"logging"`
}

// Policy holds lifecycle guard parameters.
type Policy struct {
	MilestoneTolerance    float64       `yaml:"milestone_tolerance"`
	MaxExtensions         int           `yaml:"max_extensions"`
	BiddingWindow         time.Duration `yaml:"bidding_window"`
	AdminReviewStaleAfter time.Duration `yaml:"admin_review_stale_after"`
	RequireVerifiedLab    bool          `yaml:"require_verified_lab"`
	CriticalRiskScore     float64       `yaml:"critical_risk_score"`
	LockLease             time.Duration `yaml:"lock_lease"`
}

type Rails struct {
	Card       RailConfig `yaml:"card"`
	BaseUSDC   RailConfig `yaml:"base_usdc"`
	SolanaUSDC RailConfig `yaml:"solana_usdc"`
}

// RailConfig configures one escrow rail. Chain-specific keys are ignored by other rails.
type RailConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Currency       string        `yaml:"currency"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	ChainID        int64         `yaml:"chain_id"`
	EscrowContract string        `yaml:"escrow_contract"`
	ProgramID      string        `yaml:"program_id"`
}

type Watchdog struct {
	Interval       time.Duration `yaml:"interval"`
	Concurrency    int           `yaml:"concurrency"`
	RecoverOnSweep bool          `yaml:"recover_on_sweep"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads and validates config from workspace, falling back to the defaults when
// no bountyline.yml exists.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	p := c.Policy
	if p.MilestoneTolerance < 0 || p.MilestoneTolerance >= 1 {
		return fmt.Errorf("config.policy.milestone_tolerance must be in [0,1)")
	}
	if p.MaxExtensions < 0 {
		return fmt.Errorf("config.policy.max_extensions must be >= 0")
	}
	if p.BiddingWindow <= 0 {
		return fmt.Errorf("config.policy.bidding_window must be positive")
	}
	if p.AdminReviewStaleAfter <= 0 {
		return fmt.Errorf("config.policy.admin_review_stale_after must be positive")
	}
	if p.CriticalRiskScore <= 0 || p.CriticalRiskScore > 100 {
		return fmt.Errorf("config.policy.critical_risk_score must be in (0,100]")
	}
	if p.LockLease <= 0 {
		return fmt.Errorf("config.policy.lock_lease must be positive")
	}
	enabled := 0
	for name, rc := range map[string]RailConfig{"card": c.Rails.Card, "base_usdc": c.Rails.BaseUSDC, "solana_usdc": c.Rails.SolanaUSDC} {
		if !rc.Enabled {
			continue
		}
		enabled++
		if rc.Currency == "" {
			return fmt.Errorf("config.rails.%s.currency is required", name)
		}
		if rc.CallTimeout <= 0 {
			return fmt.Errorf("config.rails.%s.call_timeout must be positive", name)
		}
		if rc.CallTimeout*2 > p.LockLease {
			return fmt.Errorf("config.policy.lock_lease must be at least twice config.rails.%s.call_timeout", name)
		}
		if rc.RatePerSecond < 0 || rc.Burst < 0 {
			return fmt.Errorf("config.rails.%s rate limits must be >= 0", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config.rails: at least one rail must be enabled")
	}
	if c.Rails.BaseUSDC.Enabled && !strings.HasPrefix(c.Rails.BaseUSDC.EscrowContract, "0x") {
		return fmt.Errorf("config.rails.base_usdc.escrow_contract must be a 0x address")
	}
	if c.Rails.SolanaUSDC.Enabled && c.Rails.SolanaUSDC.ProgramID == "" {
		return fmt.Errorf("config.rails.solana_usdc.program_id is required")
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("config.watchdog.interval must be positive")
	}
	if c.Watchdog.Concurrency <= 0 {
		return fmt.Errorf("config.watchdog.concurrency must be positive")
	}
	seen := map[string]bool{}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if wh.ID != "" {
			if seen[wh.ID] {
				return fmt.Errorf("config.webhooks has duplicate id %s", wh.ID)
			}
			seen[wh.ID] = true
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bountyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `platform:
  id: bountyline

policy:
  milestone_tolerance: 0.01
  max_extensions: 2
  bidding_window: 336h
  admin_review_stale_after: 72h
  require_verified_lab: true
  critical_risk_score: 90
  lock_lease: 2m

rails:
  card:
    enabled: true
    currency: USD
    call_timeout: 10s
    rate_per_second: 25
    burst: 5
  base_usdc:
    enabled: true
    currency: USDC
    call_timeout: 4s
    rate_per_second: 10
    burst: 2
    chain_id: 8453
    escrow_contract: "0x5f1d3b0a5c86a3e6a1c1d0f0b8b1e9d3c4a7e2f1"
  solana_usdc:
    enabled: true
    currency: USDC
    call_timeout: 4s
    rate_per_second: 10
    burst: 2
    program_id: "BntyEscrow1111111111111111111111111111111111"

watchdog:
  interval: 1h
  concurrency: 4
  recover_on_sweep: true

rbac:
  roles:
    admin:
      description: "Platform administrator"
      permissions: [bounty.manage, bounty.review, bounty.fund, proposal.select, research.review, dispute.initiate, dispute.resolve, rbac.manage]
    funder:
      description: "Organisation funding research"
      permissions: [bounty.manage, bounty.fund, proposal.select, research.review, dispute.initiate]
    lab:
      description: "Research lab"
      permissions: [proposal.submit, research.report, dispute.initiate]
    arbitrator:
      description: "Dispute arbitrator"
      permissions: [dispute.resolve]

logging:
  level: info
  format: console
`
