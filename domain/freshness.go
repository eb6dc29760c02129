package domain

import (
	"fmt"
	"time"
)

// Freshness classifies how long an item has gone without activity.
type Freshness string

const (
	Fresh   Freshness = "fresh"
	Warning Freshness = "warning"
	Overdue Freshness = "overdue"
)

// FreshnessPolicy holds the band ratios applied to a stage threshold.
// An item is in warning from WarningRatio*threshold and overdue from
// OverdueRatio*threshold.
type FreshnessPolicy struct {
	WarningRatio float64 `yaml:"warning_ratio" json:"warningRatio"`
	OverdueRatio float64 `yaml:"overdue_ratio" json:"overdueRatio"`
}

// DefaultFreshnessPolicy is the 1x / 3x band.
var DefaultFreshnessPolicy = FreshnessPolicy{WarningRatio: 1, OverdueRatio: 3}

// Validate checks that the ratios describe ordered, positive bands.
func (p FreshnessPolicy) Validate() error {
	if p.WarningRatio <= 0 {
		return fmt.Errorf("%w: warning ratio must be positive, got %v", ErrInvalidArgument, p.WarningRatio)
	}
	if p.OverdueRatio < p.WarningRatio {
		return fmt.Errorf("%w: overdue ratio %v is below warning ratio %v", ErrInvalidArgument, p.OverdueRatio, p.WarningRatio)
	}
	return nil
}

// Evaluate maps the age of lastActivity at now onto a freshness band.
// A non-positive threshold disables tracking and always yields Fresh, as does
// a lastActivity in the future.
func (p FreshnessPolicy) Evaluate(lastActivity time.Time, threshold time.Duration, now time.Time) Freshness {
	if threshold <= 0 {
		return Fresh
	}
	age := now.Sub(lastActivity)
	if age < 0 {
		return Fresh
	}
	warnAt := scale(threshold, p.WarningRatio)
	overdueAt := scale(threshold, p.OverdueRatio)
	switch {
	case age >= overdueAt:
		return Overdue
	case age >= warnAt:
		return Warning
	default:
		return Fresh
	}
}

// Evaluate applies DefaultFreshnessPolicy.
func Evaluate(lastActivity time.Time, threshold time.Duration, now time.Time) Freshness {
	return DefaultFreshnessPolicy.Evaluate(lastActivity, threshold, now)
}

func scale(d time.Duration, ratio float64) time.Duration {
	if ratio == 1 {
		return d
	}
	return time.Duration(float64(d) * ratio)
}
