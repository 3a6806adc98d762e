// Package config loads the bot configuration from environment-selected YAML
// files with ${VAR} substitution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/naumanjadev/telegpt/internal/domain"
	"github.com/naumanjadev/telegpt/internal/usecase/policy"
	"github.com/naumanjadev/telegpt/internal/usecase/stream"
)

// Config holds the telegpt configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Access   AccessConfig   `yaml:"access"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Stream   StreamConfig   `yaml:"stream"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Messages MessagesConfig `yaml:"messages"`
}

// TelegramConfig holds the Bot API connection and routing settings.
type TelegramConfig struct {
	Token                     string `yaml:"token"`
	BaseURL                   string `yaml:"base_url"`
	PollTimeoutSec            int    `yaml:"poll_timeout_sec"`
	GroupTriggerKeyword       string `yaml:"group_trigger_keyword"`
	IgnoreGroupTranscriptions bool   `yaml:"ignore_group_transcriptions"`
}

// OpenAIConfig holds the completion backend settings.
type OpenAIConfig struct {
	APIKey                string  `yaml:"api_key"`
	BaseURL               string  `yaml:"base_url"`
	Model                 string  `yaml:"model"`
	Temperature           float32 `yaml:"temperature"`
	MaxTokens             int     `yaml:"max_tokens"`
	SystemPrompt          string  `yaml:"system_prompt"`
	MaxHistorySize        int     `yaml:"max_history_size"`
	MaxConversationAgeMin int     `yaml:"max_conversation_age_min"`
	TokenWindow           int     `yaml:"token_window"`
	ImageSize             string  `yaml:"image_size"`
	Stream                bool    `yaml:"stream"`
}

// AccessConfig holds the user enumeration and spend budgets.
type AccessConfig struct {
	AdminUserIDs []int64 `yaml:"admin_user_ids"`
	// AllowAll permits every user; AllowedUserIDs is then ignored.
	AllowAll       bool    `yaml:"allow_all"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	// UnlimitedBudgets disables spend gating for everyone.
	UnlimitedBudgets bool `yaml:"unlimited_budgets"`
	// UserBudgets is position-matched to AllowedUserIDs, in dollars/month.
	UserBudgets []float64 `yaml:"user_budgets"`
	GuestBudget float64   `yaml:"guest_budget"`
}

// PricingConfig holds the completion backend price table.
type PricingConfig struct {
	TokenPricePer1k          float64            `yaml:"token_price_per_1k"`
	ImagePrices              map[string]float64 `yaml:"image_prices"`
	TranscriptionPricePerMin float64            `yaml:"transcription_price_per_min"`
}

// CutoffConfig is one flood-control cutoff tier set.
type CutoffConfig struct {
	Base     int `yaml:"base"`
	Over50   int `yaml:"over_50"`
	Over200  int `yaml:"over_200"`
	Over1000 int `yaml:"over_1000"`
}

// StreamConfig holds the delivery pacing knobs. The defaults are the values
// observed to stay under the transport's flood limits; override only with
// measurements.
type StreamConfig struct {
	ChunkCapacity    int          `yaml:"chunk_capacity"`
	PrivateCutoffs   CutoffConfig `yaml:"private_cutoffs"`
	GroupCutoffs     CutoffConfig `yaml:"group_cutoffs"`
	BackoffIncrement int          `yaml:"backoff_increment"`
	TimeoutDelayMs   int          `yaml:"timeout_delay_ms"`
	PacingDelayMs    int          `yaml:"pacing_delay_ms"`
	Placeholder      string       `yaml:"placeholder"`
}

// DatabaseConfig holds ledger persistence settings. Empty addrs run the
// ledger in memory only.
type DatabaseConfig struct {
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	KeyPrefix        string   `yaml:"key_prefix"`
	DailyTTLHours    int      `yaml:"daily_ttl_hours"`
	MonthlyTTLDays   int      `yaml:"monthly_ttl_days"`
}

// HTTPConfig holds stats server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// AuthConfig holds stats server authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// MessagesConfig holds the user-facing bot texts.
type MessagesConfig struct {
	Help            string `yaml:"help"`
	Disallowed      string `yaml:"disallowed"`
	BudgetReached   string `yaml:"budget_reached"`
	TurnFailed      string `yaml:"turn_failed"`
	ResetDone       string `yaml:"reset_done"`
	NothingToResend string `yaml:"nothing_to_resend"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-3.5-turbo"
	}
	if c.OpenAI.MaxTokens <= 0 {
		c.OpenAI.MaxTokens = 1200
	}
	if c.OpenAI.SystemPrompt == "" {
		c.OpenAI.SystemPrompt = "You are a helpful assistant."
	}
	if c.OpenAI.MaxHistorySize <= 0 {
		c.OpenAI.MaxHistorySize = 15
	}
	if c.OpenAI.MaxConversationAgeMin <= 0 {
		c.OpenAI.MaxConversationAgeMin = 180
	}
	if c.OpenAI.TokenWindow <= 0 {
		c.OpenAI.TokenWindow = 4096
	}
	if c.OpenAI.ImageSize == "" {
		c.OpenAI.ImageSize = "512x512"
	}
	if c.Pricing.TokenPricePer1k <= 0 {
		c.Pricing.TokenPricePer1k = 0.002
	}
	if len(c.Pricing.ImagePrices) == 0 {
		c.Pricing.ImagePrices = map[string]float64{
			"256x256":   0.016,
			"512x512":   0.018,
			"1024x1024": 0.02,
		}
	}
	if c.Pricing.TranscriptionPricePerMin <= 0 {
		c.Pricing.TranscriptionPricePerMin = 0.006
	}

	def := stream.DefaultTuning()
	if c.Stream.ChunkCapacity <= 0 {
		c.Stream.ChunkCapacity = def.Capacity
	}
	if c.Stream.PrivateCutoffs == (CutoffConfig{}) {
		c.Stream.PrivateCutoffs = cutoffFromSteps(def.Private)
	}
	if c.Stream.GroupCutoffs == (CutoffConfig{}) {
		c.Stream.GroupCutoffs = cutoffFromSteps(def.Group)
	}
	if c.Stream.BackoffIncrement <= 0 {
		c.Stream.BackoffIncrement = def.BackoffIncrement
	}
	if c.Stream.TimeoutDelayMs <= 0 {
		c.Stream.TimeoutDelayMs = int(def.TimeoutDelay / time.Millisecond)
	}
	if c.Stream.PacingDelayMs <= 0 {
		c.Stream.PacingDelayMs = int(def.PacingDelay / time.Millisecond)
	}
	if c.Stream.Placeholder == "" {
		c.Stream.Placeholder = def.Placeholder
	}

	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.KeyPrefix == "" {
		c.Database.KeyPrefix = "telegpt:usage:"
	}
	if c.Database.DailyTTLHours <= 0 {
		c.Database.DailyTTLHours = 48
	}
	if c.Database.MonthlyTTLDays <= 0 {
		c.Database.MonthlyTTLDays = 62
	}

	if c.HTTP.Port <= 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}

	if c.Messages.Help == "" {
		c.Messages.Help = "Send me a message and I will answer. Commands:\n" +
			"/reset - clear the conversation\n" +
			"/stats - your usage statistics\n" +
			"/resend - repeat your last prompt\n" +
			"/image <prompt> - generate an image\n" +
			"Send a voice message to have it transcribed."
	}
	if c.Messages.Disallowed == "" {
		c.Messages.Disallowed = "Sorry, you are not allowed to use this bot."
	}
	if c.Messages.BudgetReached == "" {
		c.Messages.BudgetReached = "Sorry, you have reached your monthly usage limit."
	}
	if c.Messages.TurnFailed == "" {
		c.Messages.TurnFailed = "Sorry, something went wrong. Please try again."
	}
	if c.Messages.ResetDone == "" {
		c.Messages.ResetDone = "Done! The conversation has been reset."
	}
	if c.Messages.NothingToResend == "" {
		c.Messages.NothingToResend = "You have no message to resend."
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	// A budget list shorter than the allowed list is tolerated here: the
	// affected users are denied at evaluation time with a warning.
	return nil
}

// PolicyConfig converts the access section to the policy layer's form.
func (c *Config) PolicyConfig() policy.Config {
	return policy.Config{
		AdminUserIDs:     userIDs(c.Access.AdminUserIDs),
		AllowedUserIDs:   userIDs(c.Access.AllowedUserIDs),
		AllowAll:         c.Access.AllowAll,
		UserBudgets:      c.Access.UserBudgets,
		UnlimitedBudgets: c.Access.UnlimitedBudgets,
		GuestBudget:      c.Access.GuestBudget,
	}
}

// PriceTable converts the pricing section to the domain price table.
func (c *Config) PriceTable() domain.PriceTable {
	return domain.PriceTable{
		TokenPrice:         c.Pricing.TokenPricePer1k,
		ImagePrices:        c.Pricing.ImagePrices,
		TranscriptionPrice: c.Pricing.TranscriptionPricePerMin,
	}
}

// Tuning converts the stream section to the delivery engine's form.
func (c *Config) Tuning() stream.Tuning {
	return stream.Tuning{
		Capacity:         c.Stream.ChunkCapacity,
		Private:          c.Stream.PrivateCutoffs.steps(),
		Group:            c.Stream.GroupCutoffs.steps(),
		BackoffIncrement: c.Stream.BackoffIncrement,
		TimeoutDelay:     time.Duration(c.Stream.TimeoutDelayMs) * time.Millisecond,
		PacingDelay:      time.Duration(c.Stream.PacingDelayMs) * time.Millisecond,
		Placeholder:      c.Stream.Placeholder,
	}
}

func (c CutoffConfig) steps() stream.CutoffSteps {
	return stream.CutoffSteps{
		Base:     c.Base,
		Over50:   c.Over50,
		Over200:  c.Over200,
		Over1000: c.Over1000,
	}
}

func cutoffFromSteps(s stream.CutoffSteps) CutoffConfig {
	return CutoffConfig{
		Base:     s.Base,
		Over50:   s.Over50,
		Over200:  s.Over200,
		Over1000: s.Over1000,
	}
}

func userIDs(ids []int64) []domain.UserID {
	out := make([]domain.UserID, len(ids))
	for i, id := range ids {
		out[i] = domain.UserID(id)
	}
	return out
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
