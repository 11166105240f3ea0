// Package level maps accumulated experience onto levels.
package level

import (
	"math"

	"github.com/lazypower/questlog/internal/errs"
)

// Curve is a power-law leveling curve: reaching level L requires
// Base * (L-1)^Exponent total experience.
type Curve struct {
	Base     float64 `toml:"base" env:"BASE"`
	Exponent float64 `toml:"exponent" env:"EXPONENT"`
	MaxLevel int     `toml:"max_level" env:"MAX_LEVEL"`
}

// Default returns the stock curve.
func Default() Curve {
	return Curve{Base: 10, Exponent: 1.5, MaxLevel: 999}
}

// Validate rejects curves that would not be monotonic.
func (c Curve) Validate() error {
	if !(c.Base > 0) || math.IsInf(c.Base, 0) {
		return errs.Validation("level.Curve", "base must be positive, got %v", c.Base)
	}
	if !(c.Exponent > 0) || math.IsInf(c.Exponent, 0) {
		return errs.Validation("level.Curve", "exponent must be positive, got %v", c.Exponent)
	}
	if c.MaxLevel < 1 {
		return errs.Validation("level.Curve", "max level must be at least 1, got %d", c.MaxLevel)
	}
	return nil
}

// ExpForLevel is the total experience needed to reach level l. Levels below
// one need nothing.
func (c Curve) ExpForLevel(l int) float64 {
	if l <= 1 {
		return 0
	}
	return c.Base * math.Pow(float64(l-1), c.Exponent)
}

// LevelForExp returns the highest level whose threshold is at most exp,
// capped at MaxLevel. Negative or NaN experience is level 1.
func (c Curve) LevelForExp(exp float64) int {
	if math.IsNaN(exp) || exp <= 0 {
		return 1
	}
	if math.IsInf(exp, 1) {
		return c.MaxLevel
	}

	est := 1 + math.Floor(math.Pow(exp/c.Base, 1/c.Exponent))
	// Clamp before converting: huge estimates overflow int.
	if est > float64(c.MaxLevel)+1 {
		return c.MaxLevel
	}
	l := int(est)
	// Correct float error at exact thresholds.
	for l > 1 && c.ExpForLevel(l) > exp {
		l--
	}
	for l < c.MaxLevel && c.ExpForLevel(l+1) <= exp {
		l++
	}
	if l > c.MaxLevel {
		l = c.MaxLevel
	}
	return l
}

// ProgressWithinLevel returns how far exp has moved from the current level's
// threshold toward the next one, in [0,1). At MaxLevel it is 0.
func (c Curve) ProgressWithinLevel(exp float64) float64 {
	l := c.LevelForExp(exp)
	if l >= c.MaxLevel || math.IsNaN(exp) || exp <= 0 {
		return 0
	}
	lo, hi := c.ExpForLevel(l), c.ExpForLevel(l+1)
	p := (exp - lo) / (hi - lo)
	switch {
	case p < 0:
		return 0
	case p >= 1:
		return math.Nextafter(1, 0)
	}
	return p
}
