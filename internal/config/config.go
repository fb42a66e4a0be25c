package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"ekehi.network/internal/ledger"
	"ekehi.network/internal/session"
)

// Duration is a time.Duration written as a string ("30m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	HTTP     HTTP     `toml:"http"`
	GRPC     GRPC     `toml:"grpc"`
	Database Database `toml:"database"`
	Session  Session  `toml:"session"`
	Ledger   Ledger   `toml:"ledger"`
	Auth     Auth     `toml:"auth"`
	Audit    Audit    `toml:"audit"`
}

type HTTP struct {
	Addr            string   `toml:"addr"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	RateLimitBurst  int      `toml:"rate_limit_burst"`
	CORSOrigins     []string `toml:"cors_origins"`
}

type GRPC struct {
	Addr string `toml:"addr"`
}

// Database selects the storage backend. An empty DSN keeps everything in
// memory.
type Database struct {
	DSN         string   `toml:"dsn"`
	LockTimeout Duration `toml:"lock_timeout"`
}

type Session struct {
	Timeout       Duration `toml:"timeout"`
	Backend       string   `toml:"backend"`
	SealKey       string   `toml:"seal_key"`
	PurgeInterval Duration `toml:"purge_interval"`
}

// Ledger holds the earning constants. Amounts are decimal strings.
type Ledger struct {
	ManualRatePerDay         decimal.Decimal `toml:"manual_rate_per_day"`
	MaxDailyEarnings         decimal.Decimal `toml:"max_daily_earnings"`
	ReferralBonusPerReferral decimal.Decimal `toml:"referral_bonus_per_referral"`
	MaxReferrals             int             `toml:"max_referrals"`
	SignupBonus              decimal.Decimal `toml:"signup_bonus"`
	StreakStep               decimal.Decimal `toml:"streak_step"`
	StreakCap                int             `toml:"streak_cap"`
	MaxAutoMiningRatePerHour decimal.Decimal `toml:"max_auto_mining_rate_per_hour"`
	TimeZone                 string          `toml:"time_zone"`
}

type Auth struct {
	JWTSecret string   `toml:"jwt_secret"`
	Issuer    string   `toml:"issuer"`
	TokenTTL  Duration `toml:"token_ttl"`
	DevTokens bool     `toml:"dev_tokens"`
}

// Audit selects where audit entries go: "log", "postgres" or "both".
type Audit struct {
	Sink string `toml:"sink"`
}

const (
	SessionMemory   = "memory"
	SessionSealed   = "sealed"
	SessionPostgres = "postgres"
)

// Default returns a configuration suitable for local development.
func Default() Config {
	t := ledger.DefaultTuning()
	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     Duration{15 * time.Second},
			WriteTimeout:    Duration{15 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
			RateLimitRPS:    20,
			RateLimitBurst:  40,
		},
		GRPC:     GRPC{Addr: ":9090"},
		Database: Database{LockTimeout: Duration{2 * time.Second}},
		Session: Session{
			Timeout:       Duration{session.DefaultTimeout},
			Backend:       SessionMemory,
			PurgeInterval: Duration{time.Minute},
		},
		Ledger: Ledger{
			ManualRatePerDay:         t.ManualRatePerDay,
			MaxDailyEarnings:         t.MaxDailyEarnings,
			ReferralBonusPerReferral: t.ReferralBonusPerReferral,
			MaxReferrals:             t.MaxReferrals,
			SignupBonus:              t.SignupBonus,
			StreakStep:               t.StreakStep,
			StreakCap:                t.StreakCap,
			MaxAutoMiningRatePerHour: t.MaxAutoMiningRatePerHour,
			TimeZone:                 "UTC",
		},
		Auth:  Auth{Issuer: "ekehi", TokenTTL: Duration{time.Hour}},
		Audit: Audit{Sink: "log"},
	}
}

// Load reads defaults, then path (if not empty), then EKEHI_* environment
// variables, and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that need only part of the
// configuration.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Config{}, fmt.Errorf("config %s: unknown keys %v", path, undec)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"EKEHI_HTTP_ADDR":        &c.HTTP.Addr,
		"EKEHI_GRPC_ADDR":        &c.GRPC.Addr,
		"EKEHI_PG_DSN":           &c.Database.DSN,
		"EKEHI_SESSION_BACKEND":  &c.Session.Backend,
		"EKEHI_SESSION_SEAL_KEY": &c.Session.SealKey,
		"EKEHI_JWT_SECRET":       &c.Auth.JWTSecret,
		"EKEHI_TIME_ZONE":        &c.Ledger.TimeZone,
		"EKEHI_AUDIT_SINK":       &c.Audit.Sink,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	durations := map[string]*Duration{
		"EKEHI_SESSION_TIMEOUT": &c.Session.Timeout,
		"EKEHI_LOCK_TIMEOUT":    &c.Database.LockTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	if v, ok := lookup("EKEHI_MAX_DAILY_EARNINGS"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("EKEHI_MAX_DAILY_EARNINGS: %w", err)
		}
		c.Ledger.MaxDailyEarnings = d
	}
	if v, ok := lookup("EKEHI_DEV_TOKENS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EKEHI_DEV_TOKENS: %w", err)
		}
		c.Auth.DevTokens = b
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Session.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	switch c.Session.Backend {
	case SessionMemory:
	case SessionSealed:
		if _, err := c.SealKey(); err != nil {
			errs = append(errs, err)
		}
	case SessionPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("session.backend postgres requires database.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is not one of memory, sealed, postgres", c.Session.Backend))
	}
	switch c.Audit.Sink {
	case "log":
	case "postgres", "both":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("audit.sink %s requires database.dsn", c.Audit.Sink))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink %q is not one of log, postgres, both", c.Audit.Sink))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if !c.Ledger.MaxDailyEarnings.IsPositive() {
		errs = append(errs, errors.New("ledger.max_daily_earnings must be positive"))
	}
	if c.Ledger.ManualRatePerDay.IsNegative() || c.Ledger.MaxAutoMiningRatePerHour.IsNegative() {
		errs = append(errs, errors.New("ledger rates must not be negative"))
	}
	if c.Ledger.MaxReferrals < 0 || c.Ledger.StreakCap < 0 {
		errs = append(errs, errors.New("ledger caps must not be negative"))
	}
	if _, err := time.LoadLocation(c.Ledger.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("ledger.time_zone: %w", err))
	}
	return errors.Join(errs...)
}

// Tuning converts the ledger section into engine constants.
func (c Config) Tuning() ledger.Tuning {
	return ledger.Tuning{
		ManualRatePerDay:         c.Ledger.ManualRatePerDay,
		MaxDailyEarnings:         c.Ledger.MaxDailyEarnings,
		ReferralBonusPerReferral: c.Ledger.ReferralBonusPerReferral,
		MaxReferrals:             c.Ledger.MaxReferrals,
		SignupBonus:              c.Ledger.SignupBonus,
		StreakStep:               c.Ledger.StreakStep,
		StreakCap:                c.Ledger.StreakCap,
		MaxAutoMiningRatePerHour: c.Ledger.MaxAutoMiningRatePerHour,
	}
}

// Location returns the time zone calendar days are evaluated in.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SealKey decodes the hex session seal key.
func (c Config) SealKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Session.SealKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("session.seal_key must be 64 hex characters")
	}
	return key, nil
}
