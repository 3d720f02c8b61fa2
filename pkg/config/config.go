package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the node
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Node        NodeConfig       `mapstructure:"node"`
	Database    DatabaseConfig   `mapstructure:"database"`
	P2P         P2PConfig        `mapstructure:"p2p"`
	Round       RoundConfig      `mapstructure:"round"`
	Reputation  ReputationConfig `mapstructure:"reputation"`
	Scheduler   SchedConfig      `mapstructure:"scheduler"`
	Security    SecurityConfig   `mapstructure:"security"`
	Fetch       FetchConfig      `mapstructure:"fetch"`
}

// NodeConfig identifies this validator in the network
type NodeConfig struct {
	ID          string  `mapstructure:"id"`
	Stake       float64 `mapstructure:"stake"`
	Coordinator bool    `mapstructure:"coordinator"`
}

// FetchConfig points the observation fetcher at its upstream source
type FetchConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	Embedded bool          `mapstructure:"embedded"`
	Port     uint32        `mapstructure:"port"`
	DataDir  string        `mapstructure:"data_dir"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// P2PConfig holds gossip network related configuration
type P2PConfig struct {
	Port           int           `mapstructure:"port"`
	BootstrapPeers []string      `mapstructure:"bootstrap_peers"`
	MaxPeers       int           `mapstructure:"max_peers"`
	PeerTimeout    time.Duration `mapstructure:"peer_timeout"`
	EnableMDNS     bool          `mapstructure:"enable_mdns"`
}

// RoundConfig holds the per-round protocol parameters. Tunable
// constants (deviation threshold, quorum fraction) live here rather
// than in code.
type RoundConfig struct {
	CommitWindow      time.Duration `mapstructure:"commit_window"`
	RevealWindow      time.Duration `mapstructure:"reveal_window"`
	SigningGrace      time.Duration `mapstructure:"signing_grace"`
	QuorumFraction    float64       `mapstructure:"quorum_fraction"`
	ThresholdFraction float64       `mapstructure:"threshold_fraction"`
	MADThreshold      float64       `mapstructure:"mad_threshold"`
	CollusionEpsilon  float64       `mapstructure:"collusion_epsilon"`
	CleanupDelay      time.Duration `mapstructure:"cleanup_delay"`
}

// ReputationConfig holds reputation ledger scoring parameters
type ReputationConfig struct {
	InitialScore        float64       `mapstructure:"initial_score"`
	AccuracyBonus       float64       `mapstructure:"accuracy_bonus"`
	MissPenalty         float64       `mapstructure:"miss_penalty"`
	WrongValuePenalty   float64       `mapstructure:"wrong_value_penalty"`
	CollusionPenalty    float64       `mapstructure:"collusion_penalty"`
	SlashFraction       float64       `mapstructure:"slash_fraction"`
	MinEligibleScore    float64       `mapstructure:"min_eligible_score"`
	MaxConsecutiveFails int           `mapstructure:"max_consecutive_fails"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
}

// SchedConfig holds feed scheduler related configuration
type SchedConfig struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	RetryAttempts   uint64        `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	WindowExpansion float64       `mapstructure:"window_expansion"`
	Feeds           []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig binds a feed to its consensus cadence
type FeedConfig struct {
	ID       string `mapstructure:"id"`
	Schedule string `mapstructure:"schedule"`
}

// SecurityConfig holds key management and enrollment settings
type SecurityConfig struct {
	KeyFile     string        `mapstructure:"key_file"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, rely on defaults and env vars
	}

	v.SetEnvPrefix("ORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// P2P defaults
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.max_peers", 50)
	v.SetDefault("p2p.peer_timeout", "30s")
	v.SetDefault("p2p.enable_mdns", true)

	// Round defaults
	v.SetDefault("round.commit_window", "10s")
	v.SetDefault("round.reveal_window", "10s")
	v.SetDefault("round.signing_grace", "5s")
	v.SetDefault("round.quorum_fraction", 0.667)
	v.SetDefault("round.threshold_fraction", 0.667)
	v.SetDefault("round.mad_threshold", 3.0)
	v.SetDefault("round.collusion_epsilon", 1e-9)
	v.SetDefault("round.cleanup_delay", "1m")

	// Reputation defaults
	v.SetDefault("reputation.initial_score", 0.5)
	v.SetDefault("reputation.accuracy_bonus", 0.05)
	v.SetDefault("reputation.miss_penalty", 0.05)
	v.SetDefault("reputation.wrong_value_penalty", 0.15)
	v.SetDefault("reputation.collusion_penalty", 0.4)
	v.SetDefault("reputation.slash_fraction", 0.1)
	v.SetDefault("reputation.min_eligible_score", 0.2)
	v.SetDefault("reputation.max_consecutive_fails", 3)
	v.SetDefault("reputation.cooldown", "1h")

	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrent", 10)
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_delay", "1m")
	v.SetDefault("scheduler.window_expansion", 1.5)

	// Security defaults
	v.SetDefault("security.key_file", "data/keys/validator.key")
	v.SetDefault("security.token_expiry", "24h")

	// Node defaults
	v.SetDefault("node.stake", 1.0)
	v.SetDefault("node.coordinator", false)

	// Fetch defaults
	v.SetDefault("fetch.timeout", "5s")

	// Database defaults
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.port", 5433)
	v.SetDefault("database.data_dir", "data/postgres")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}
	if err := c.validateRound(); err != nil {
		return fmt.Errorf("round config: %w", err)
	}
	if err := c.validateReputation(); err != nil {
		return fmt.Errorf("reputation config: %w", err)
	}
	if err := c.validateScheduler(); err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	if c.Node.Stake <= 0 {
		return fmt.Errorf("node config: stake must be positive")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if c.P2P.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive")
	}
	return nil
}

func (c *Config) validateRound() error {
	if c.Round.CommitWindow <= 0 {
		return fmt.Errorf("commit_window must be positive")
	}
	if c.Round.RevealWindow <= 0 {
		return fmt.Errorf("reveal_window must be positive")
	}
	if c.Round.SigningGrace <= 0 {
		return fmt.Errorf("signing_grace must be positive")
	}
	if c.Round.QuorumFraction <= 0 || c.Round.QuorumFraction > 1 {
		return fmt.Errorf("quorum_fraction must be between 0 and 1")
	}
	if c.Round.ThresholdFraction <= 0 || c.Round.ThresholdFraction > 1 {
		return fmt.Errorf("threshold_fraction must be between 0 and 1")
	}
	if c.Round.MADThreshold <= 0 {
		return fmt.Errorf("mad_threshold must be positive")
	}
	return nil
}

func (c *Config) validateReputation() error {
	if c.Reputation.InitialScore < 0 || c.Reputation.InitialScore > 1 {
		return fmt.Errorf("initial_score must be between 0 and 1")
	}
	if c.Reputation.AccuracyBonus <= 0 || c.Reputation.AccuracyBonus > 1 {
		return fmt.Errorf("accuracy_bonus must be between 0 and 1")
	}
	penalties := []struct {
		name  string
		value float64
	}{
		{"miss_penalty", c.Reputation.MissPenalty},
		{"wrong_value_penalty", c.Reputation.WrongValuePenalty},
		{"collusion_penalty", c.Reputation.CollusionPenalty},
	}
	for _, p := range penalties {
		if p.value <= 0 || p.value > 1 {
			return fmt.Errorf("%s must be between 0 and 1", p.name)
		}
	}
	if c.Reputation.MissPenalty >= c.Reputation.WrongValuePenalty ||
		c.Reputation.WrongValuePenalty >= c.Reputation.CollusionPenalty {
		return fmt.Errorf("penalties must increase with severity")
	}
	if c.Reputation.SlashFraction <= 0 || c.Reputation.SlashFraction >= 1 {
		return fmt.Errorf("slash_fraction must be between 0 and 1")
	}
	if c.Reputation.MaxConsecutiveFails <= 0 {
		return fmt.Errorf("max_consecutive_fails must be positive")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.Scheduler.WindowExpansion < 1 {
		return fmt.Errorf("window_expansion must be at least 1")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
