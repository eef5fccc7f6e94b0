package vexation

import (
	"fmt"
	"strings"
	"time"

	"github.com/panll/ensaid/pkg/constraint"
)

// HalfLifeClass groups indicators by how fast their contribution fades.
type HalfLifeClass string

const (
	HalfLifeShort  HalfLifeClass = "SHORT"
	HalfLifeMedium HalfLifeClass = "MEDIUM"
	HalfLifeLong   HalfLifeClass = "LONG"
)

// ParseHalfLifeClass resolves a class name, case-insensitively.
func ParseHalfLifeClass(s string) (HalfLifeClass, error) {
	switch c := HalfLifeClass(strings.ToUpper(strings.TrimSpace(s))); c {
	case HalfLifeShort, HalfLifeMedium, HalfLifeLong:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown half-life class %q", ErrInvalidIndicator, s)
}

// Weight is the stress contribution of one kind of event.
type Weight struct {
	Magnitude float64       `yaml:"magnitude"`
	HalfLife  HalfLifeClass `yaml:"half_life"`
}

// Policy turns validation outcomes and operator events into indicators.
// It is configuration; nothing about severity is hardcoded in the tracker.
type Policy struct {
	Rejections     map[constraint.Kind]Weight      `yaml:"rejections"`
	Crash          Weight                          `yaml:"crash"`
	OperatorSignal HalfLifeClass                   `yaml:"operator_half_life"`
	HalfLives      map[HalfLifeClass]time.Duration `yaml:"half_lives"`
}

// DefaultPolicy weights predicate violations above simple substring hits.
func DefaultPolicy() Policy {
	return Policy{
		Rejections: map[constraint.Kind]Weight{
			constraint.KindForbidSubstring: {Magnitude: 0.10, HalfLife: HalfLifeShort},
			constraint.KindForbidPattern:   {Magnitude: 0.15, HalfLife: HalfLifeMedium},
			constraint.KindRequirePattern:  {Magnitude: 0.15, HalfLife: HalfLifeMedium},
			constraint.KindCustomPredicate: {Magnitude: 0.25, HalfLife: HalfLifeMedium},
		},
		Crash:          Weight{Magnitude: 0.40, HalfLife: HalfLifeLong},
		OperatorSignal: HalfLifeMedium,
		HalfLives: map[HalfLifeClass]time.Duration{
			HalfLifeShort:  30 * time.Second,
			HalfLifeMedium: 5 * time.Minute,
			HalfLifeLong:   30 * time.Minute,
		},
	}
}

// HalfLife returns the duration for class, falling back to the default policy.
func (p Policy) HalfLife(class HalfLifeClass) time.Duration {
	if d, ok := p.HalfLives[class]; ok && d > 0 {
		return d
	}
	if d, ok := DefaultPolicy().HalfLives[class]; ok {
		return d
	}
	return DefaultPolicy().HalfLives[HalfLifeMedium]
}

// ForRejection builds the indicator for a rejection by a constraint of kind.
// The second return is false when the policy assigns no stress to kind.
func (p Policy) ForRejection(kind constraint.Kind, at time.Time) (Indicator, bool) {
	w, ok := p.Rejections[kind]
	if !ok || w.Magnitude <= 0 {
		return Indicator{}, false
	}
	return Indicator{
		At:        at,
		Magnitude: w.Magnitude,
		HalfLife:  w.HalfLife,
		Source:    "rejection:" + string(kind),
	}, true
}

// ForCrash builds the indicator recorded when an operator reports a crash.
func (p Policy) ForCrash(at time.Time) Indicator {
	return Indicator{At: at, Magnitude: p.Crash.Magnitude, HalfLife: p.Crash.HalfLife, Source: "feedback:crash"}
}

// ForOperator builds an indicator from an explicit operator signal.
func (p Policy) ForOperator(magnitude float64, class HalfLifeClass, at time.Time) Indicator {
	if class == "" {
		class = p.OperatorSignal
	}
	return Indicator{At: at, Magnitude: magnitude, HalfLife: class, Source: "operator"}
}
