package config

import (
	"fmt"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Flat tunable names accepted by FromMap
const (
	KeyCheckInterval    = "checkInterval"
	KeyMaxRetries       = "maxRetries"
	KeyTestInterval     = "testInterval"
	KeyMaxWorkers       = "maxWorkers"
	KeyTestTimeout      = "testTimeout"
	KeyFailureThreshold = "failureThreshold"
	KeyResetTimeout     = "resetTimeout"
	KeyHalfOpenTimeout  = "halfOpenTimeout"
	KeyErrorDecayRate   = "errorDecayRate"
	KeyRateLimit        = "rateLimit"
)

// FromMap builds a config from the flat tunables map. Absent keys keep their
// defaults; present keys must convert to the expected type. rateLimit accepts
// either {"max": n, "window": seconds} or a two element [max, window] list.
func FromMap(values map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyTunables(cfg, values); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyTunables overlays the flat tunables map onto cfg
func ApplyTunables(cfg *Config, values map[string]interface{}) error {
	v := viper.New()
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("failed to read tunables: %w", err)
	}

	floats := []struct {
		key    string
		target *float64
	}{
		{KeyCheckInterval, &cfg.Runner.CheckInterval},
		{KeyTestInterval, &cfg.Runner.TestInterval},
		{KeyTestTimeout, &cfg.Runner.TestTimeout},
		{KeyFailureThreshold, &cfg.Breaker.FailureThreshold},
		{KeyResetTimeout, &cfg.Breaker.ResetTimeout},
		{KeyHalfOpenTimeout, &cfg.Breaker.HalfOpenTimeout},
		{KeyErrorDecayRate, &cfg.Breaker.ErrorDecayRate},
	}
	for _, f := range floats {
		if !v.IsSet(f.key) {
			continue
		}
		val, err := cast.ToFloat64E(v.Get(f.key))
		if err != nil {
			return fmt.Errorf("tunable %s: %w", f.key, err)
		}
		*f.target = val
	}

	ints := []struct {
		key    string
		target *int
	}{
		{KeyMaxRetries, &cfg.Retry.MaxRetries},
		{KeyMaxWorkers, &cfg.Runner.MaxWorkers},
	}
	for _, i := range ints {
		if !v.IsSet(i.key) {
			continue
		}
		val, err := cast.ToIntE(v.Get(i.key))
		if err != nil {
			return fmt.Errorf("tunable %s: %w", i.key, err)
		}
		*i.target = val
	}

	if v.IsSet(KeyRateLimit) {
		limit, err := parseRateLimit(v.Get(KeyRateLimit), cfg.Bus.RateLimit)
		if err != nil {
			return fmt.Errorf("tunable %s: %w", KeyRateLimit, err)
		}
		cfg.Bus.RateLimit = limit
	}

	return nil
}

func parseRateLimit(raw interface{}, fallback RateLimitConfig) (RateLimitConfig, error) {
	limit := fallback

	if list, err := cast.ToSliceE(raw); err == nil {
		if len(list) != 2 {
			return limit, fmt.Errorf("expected [max, window], got %d values", len(list))
		}
		maxCount, err := cast.ToIntE(list[0])
		if err != nil {
			return limit, err
		}
		window, err := cast.ToFloat64E(list[1])
		if err != nil {
			return limit, err
		}
		return RateLimitConfig{Max: maxCount, Window: window}, nil
	}

	fields, err := cast.ToStringMapE(raw)
	if err != nil {
		return limit, fmt.Errorf("expected map or list, got %T", raw)
	}
	if m, ok := fields["max"]; ok {
		if limit.Max, err = cast.ToIntE(m); err != nil {
			return limit, err
		}
	}
	if w, ok := fields["window"]; ok {
		if limit.Window, err = cast.ToFloat64E(w); err != nil {
			return limit, err
		}
	}
	return limit, nil
}
