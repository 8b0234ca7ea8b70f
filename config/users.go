package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
	"github.com/rennengfeng/Binance-Trade-BOT/internal/ports"
)

type usersFile struct {
	Users []domain.UserConfig `mapstructure:"users"`
}

// NewValidator returns a validator that knows the custom tags used by the user config.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseTimeframe(fl.Field().String())
		return err == nil
	})
	return v
}

// LoadUsers reads and validates the users file. YAML, JSON and TOML are accepted.
func LoadUsers(path string) ([]domain.UserConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read users file %s: %w: %w", path, ports.ErrConfigurationError, err)
	}

	var file usersFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to decode users file %s: %w: %w", path, ports.ErrConfigurationError, err)
	}

	if err := ValidateUsers(file.Users); err != nil {
		return nil, fmt.Errorf("users file %s: %w", path, err)
	}
	return file.Users, nil
}

// ValidateUsers normalizes users in place and reports every problem found.
func ValidateUsers(users []domain.UserConfig) error {
	validate := NewValidator()
	var errs []string

	seen := make(map[int64]bool, len(users))
	for i := range users {
		u := &users[i]
		normalizeUser(u)

		if err := validate.Struct(u); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					errs = append(errs, fmt.Sprintf("user %d: %s failed on %q", u.ID, fe.Namespace(), fe.Tag()))
				}
			} else {
				errs = append(errs, fmt.Sprintf("user %d: %v", u.ID, err))
			}
		}
		if seen[u.ID] {
			errs = append(errs, fmt.Sprintf("user %d: duplicate id", u.ID))
		}
		seen[u.ID] = true

		// One trading subscription per symbol: the position is keyed by (user, symbol).
		trading := make(map[string]bool)
		for j := range u.Subscriptions {
			s := &u.Subscriptions[j]
			if s.Market == domain.MarketSpot && s.AutoTrade.Enabled() {
				errs = append(errs, fmt.Sprintf("user %d: %s: auto_trade requires the futures market", u.ID, s.Symbol))
			}
			if !s.Trades() {
				continue
			}
			if trading[s.Symbol] {
				errs = append(errs, fmt.Sprintf("user %d: %s: more than one trading subscription", u.ID, s.Symbol))
			}
			trading[s.Symbol] = true
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("user configuration validation failed: %s: %w", strings.Join(errs, "; "), ports.ErrConfigurationError)
	}
	return nil
}

func normalizeUser(u *domain.UserConfig) {
	for j := range u.Subscriptions {
		s := &u.Subscriptions[j]
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		if s.Market == "" {
			s.Market = domain.MarketFutures
		} else {
			s.Market = domain.MarketType(strings.ToLower(string(s.Market)))
		}
		if s.Timeframe == "" {
			s.Timeframe = domain.DefaultTimeframe
		} else if tf, err := domain.ParseTimeframe(string(s.Timeframe)); err == nil {
			s.Timeframe = tf
		}
		if !s.Monitors.Any() {
			s.Monitors = domain.Monitors{MA: true, MACD: true, Anomaly: true}
		}
		if s.AutoTrade != nil {
			s.AutoTrade.Mode = domain.TradeMode(strings.ToLower(string(s.AutoTrade.Mode)))
			if s.AutoTrade.Protection.Mode == "" {
				s.AutoTrade.Protection.Mode = domain.ProtectionPercent
			}
		}
	}
	u.HasTrading = u.HasAutoTrading()
}
