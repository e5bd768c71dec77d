package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// CreditsConfig carries the business constants of the credit ledger.
// The signup bonus is deliberately configuration, not a literal.
type CreditsConfig struct {
	SignupBonus     int64  `mapstructure:"signupBonus"`
	FreeTrialPlanID string `mapstructure:"freeTrialPlanId"`
}

func DefaultCreditsConfig() CreditsConfig {
	return CreditsConfig{
		SignupBonus:     10,
		FreeTrialPlanID: "free_trial",
	}
}

// CreditsConfigHolder serves the current credits config and hot-reloads it
// when the underlying file changes.
type CreditsConfigHolder struct {
	current atomic.Value // holds CreditsConfig
}

func NewCreditsConfigHolder() (*CreditsConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("credits")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/postloom/config")
	v.AddConfigPath("/etc/postloom")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POSTLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCreditsConfig()
	v.SetDefault("credits.signupBonus", defaults.SignupBonus)
	v.SetDefault("credits.freeTrialPlanId", defaults.FreeTrialPlanID)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg CreditsConfig
	if err := v.UnmarshalKey("credits", &cfg); err != nil {
		return nil, err
	}
	if err := validateCreditsConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CreditsConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CreditsConfig
		if err := v.UnmarshalKey("credits", &updated); err != nil {
			log.Printf("[credits-config] reload failed: %v", err)
			return
		}
		if err := validateCreditsConfig(updated); err != nil {
			log.Printf("[credits-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[credits-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCreditsConfigHolder pins the holder to cfg. Used by tests and
// tools that bypass file watching.
func NewStaticCreditsConfigHolder(cfg CreditsConfig) *CreditsConfigHolder {
	holder := &CreditsConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CreditsConfigHolder) Get() CreditsConfig {
	return h.current.Load().(CreditsConfig)
}

func validateCreditsConfig(cfg CreditsConfig) error {
	if cfg.SignupBonus <= 0 {
		return errors.New("credits.signupBonus must be positive")
	}
	if strings.TrimSpace(cfg.FreeTrialPlanID) == "" {
		return errors.New("credits.freeTrialPlanId cannot be empty")
	}
	return nil
}
