package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"equinox/internal/domain"
	"equinox/internal/service/difficulty"
)

type Config struct {
	ListenAddr    string        `env:"LISTEN_ADDR" envDefault:":18080"`
	StoreMode     string        `env:"STORE_MODE" envDefault:"memory"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	MaxEvents     int           `env:"JOURNAL_MAX_EVENTS" envDefault:"1000"`
	AdminUsername string        `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string        `env:"ADMIN_PASSWORD" envDefault:"change-me"`
	JWTSecret     string        `env:"JWT_SECRET" envDefault:"change-this-secret"`
	JWTTTL        time.Duration `env:"JWT_TTL" envDefault:"12h"`

	MoveDeadline       time.Duration `env:"MOVE_DEADLINE" envDefault:"10s"`
	DifficultyProfiles string        `env:"DIFFICULTY_PROFILES"`

	EnginePath             string        `env:"ENGINE_PATH" envDefault:"stockfish"`
	EngineArgs             []string      `env:"ENGINE_ARGS" envSeparator:" "`
	EngineQueueSize        int           `env:"ENGINE_QUEUE_SIZE" envDefault:"16"`
	EngineStartTimeout     time.Duration `env:"ENGINE_START_TIMEOUT" envDefault:"5s"`
	EngineConfigureTimeout time.Duration `env:"ENGINE_CONFIGURE_TIMEOUT" envDefault:"2s"`
	EngineDrainTimeout     time.Duration `env:"ENGINE_DRAIN_TIMEOUT" envDefault:"3s"`
	EngineAutoRestart      bool          `env:"ENGINE_AUTO_RESTART" envDefault:"true"`
	EngineWarmup           string        `env:"ENGINE_WARMUP_TIER" envDefault:"medium"`

	LedgerEnabled        bool          `env:"LEDGER_ENABLED" envDefault:"false"`
	SolanaRPCURL         string        `env:"SOLANA_RPC_URL" envDefault:"https://api.devnet.solana.com"`
	SolanaCommitment     string        `env:"SOLANA_COMMITMENT" envDefault:"confirmed"`
	ProgramID            string        `env:"EQUINOX_PROGRAM_ID"`
	ProgramIDLPath       string        `env:"EQUINOX_IDL_PATH"`
	AuthorityKey         string        `env:"AUTHORITY_KEY"`
	AuthorityKeypairPath string        `env:"AUTHORITY_KEYPAIR_PATH"`
	AuthorityKeySealed   string        `env:"AUTHORITY_KEY_SEALED"`
	AuthoritySealKey     string        `env:"AUTHORITY_SEAL_KEY"`
	DefaultEscrow        string        `env:"LEDGER_DEFAULT_ESCROW"`
	DefaultTreasury      string        `env:"LEDGER_DEFAULT_TREASURY"`
	LedgerMaxAttempts    int           `env:"LEDGER_MAX_ATTEMPTS" envDefault:"3"`
	LedgerConfirmTimeout time.Duration `env:"LEDGER_CONFIRM_TIMEOUT" envDefault:"30s"`
	LedgerPollInterval   time.Duration `env:"LEDGER_POLL_INTERVAL" envDefault:"500ms"`
	LedgerRetryBase      time.Duration `env:"LEDGER_RETRY_BASE" envDefault:"1s"`
	LedgerRetryMax       time.Duration `env:"LEDGER_RETRY_MAX" envDefault:"5s"`

	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`

	WebhookURL        string        `env:"EVENT_WEBHOOK_URL"`
	WebhookTimeout    time.Duration `env:"EVENT_WEBHOOK_TIMEOUT" envDefault:"5s"`
	WebhookMaxRetries int           `env:"EVENT_WEBHOOK_MAX_RETRIES" envDefault:"3"`
	WebhookRetryBase  time.Duration `env:"EVENT_WEBHOOK_RETRY_BASE" envDefault:"500ms"`
	WebhookRetryMax   time.Duration `env:"EVENT_WEBHOOK_RETRY_MAX" envDefault:"5s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	// Profiles is DifficultyProfiles parsed; nil means the built-in table.
	Profiles map[domain.Tier]domain.DifficultyProfile
	// WarmupTier is the profile applied once the engine starts. Empty when
	// ENGINE_WARMUP_TIER is "off".
	WarmupTier domain.Tier
}

// Load reads the process environment. Malformed values are errors rather
// than silent fallbacks.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DifficultyProfiles != "" {
		profiles, err := difficulty.ParseProfiles(cfg.DifficultyProfiles)
		if err != nil {
			return Config{}, fmt.Errorf("DIFFICULTY_PROFILES: %w", err)
		}
		cfg.Profiles = profiles
	}
	if !strings.EqualFold(strings.TrimSpace(cfg.EngineWarmup), "off") {
		tier, err := difficulty.ParseTier(cfg.EngineWarmup)
		if err != nil {
			return Config{}, fmt.Errorf("ENGINE_WARMUP_TIER must be easy, medium, hard or off")
		}
		cfg.WarmupTier = tier
	}
	if cfg.MoveDeadline <= 0 {
		return Config{}, fmt.Errorf("MOVE_DEADLINE must be positive")
	}
	if cfg.EngineQueueSize <= 0 {
		return Config{}, fmt.Errorf("ENGINE_QUEUE_SIZE must be positive")
	}
	if cfg.LedgerMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be positive")
	}
	if cfg.LedgerEnabled && cfg.ProgramID == "" {
		return Config{}, fmt.Errorf("EQUINOX_PROGRAM_ID is required when LEDGER_ENABLED is set")
	}
	return cfg, nil
}
