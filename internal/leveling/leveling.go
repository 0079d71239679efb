package leveling

import (
	"errors"
	"fmt"
)

// ErrInvalidSteps is returned when the level step table cannot produce a
// strictly increasing threshold table.
var ErrInvalidSteps = errors.New("level steps must be positive")

// DefaultSteps is the XP needed for each level-up (L1->L2, L2->L3, ...).
var DefaultSteps = []int64{100, 150, 250, 400, 600, 850, 1150, 1550, 2000}

// DefaultTitles names levels 1..10.
var DefaultTitles = []string{
	"Magic Student",
	"Apprentice Mage",
	"Trainee Mage",
	"Novice Mage",
	"Skilled Mage",
	"Adept Mage",
	"Senior Mage",
	"Elite Mage",
	"Archmage",
	"Sage",
}

// Progress describes where a total XP value sits inside its level.
type Progress struct {
	Level       int
	XPIntoLevel int64
	XPNeeded    int64
	XPToNext    int64
	Ratio       float64
}

// Policy maps elapsed seconds to XP and XP to levels. It is immutable and
// safe for concurrent use.
type Policy struct {
	secondsPerXP int64
	thresholds   []int64 // thresholds[i] is the total XP required to be at level i+1
	titles       []string
}

// NewPolicy builds a policy from per-level XP steps. maxLevel <= 0 means every
// step is reachable (len(steps)+1 levels). Titles may be shorter than the
// level count; missing titles fall back to "Lv.N".
func NewPolicy(steps []int64, titles []string, secondsPerXP int64, maxLevel int) (*Policy, error) {
	levels := len(steps) + 1
	if maxLevel > 0 {
		if maxLevel > levels {
			return nil, fmt.Errorf("max level %d needs %d steps, have %d: %w", maxLevel, maxLevel-1, len(steps), ErrInvalidSteps)
		}
		levels = maxLevel
	}

	thresholds := make([]int64, levels)
	for i := 1; i < levels; i++ {
		step := steps[i-1]
		if step <= 0 {
			return nil, fmt.Errorf("step %d is %d: %w", i, step, ErrInvalidSteps)
		}
		thresholds[i] = thresholds[i-1] + step
	}

	if secondsPerXP < 1 {
		secondsPerXP = 1
	}

	return &Policy{
		secondsPerXP: secondsPerXP,
		thresholds:   thresholds,
		titles:       append([]string(nil), titles...),
	}, nil
}

// SecondsPerXP resolves the configured rate. A positive xpPerHour wins over
// the legacy seconds-per-XP value; the result is never below one second.
func SecondsPerXP(xpPerHour, legacySecondsPerXP int64) int64 {
	if xpPerHour > 0 {
		return max(1, 3600/xpPerHour)
	}
	return max(1, legacySecondsPerXP)
}

// CumulativeXPDelta returns the XP earned by moving a running total from
// prior to prior+added seconds: the number of secondsPerXP boundaries crossed.
func CumulativeXPDelta(prior, added, secondsPerXP int64) int64 {
	if added <= 0 {
		return 0
	}
	if prior < 0 {
		prior = 0
	}
	if secondsPerXP < 1 {
		secondsPerXP = 1
	}
	gain := (prior+added)/secondsPerXP - prior/secondsPerXP
	return max(0, gain)
}

// SecondsPerXP returns the rate the policy was built with.
func (p *Policy) SecondsPerXP() int64 { return p.secondsPerXP }

// XPRate is the XP a single isolated session of the given length is worth.
func (p *Policy) XPRate(durationSeconds int64) int64 {
	if durationSeconds <= 0 {
		return 0
	}
	return durationSeconds / p.secondsPerXP
}

// CumulativeXPDelta applies CumulativeXPDelta with the policy's rate.
func (p *Policy) CumulativeXPDelta(prior, added int64) int64 {
	return CumulativeXPDelta(prior, added, p.secondsPerXP)
}

// MaxLevel is the highest reachable level.
func (p *Policy) MaxLevel() int { return len(p.thresholds) }

// Threshold returns the total XP required to be at level. Levels outside
// 1..MaxLevel are clamped.
func (p *Policy) Threshold(level int) int64 {
	level = p.clamp(level)
	return p.thresholds[level-1]
}

// LevelFor returns the largest level whose threshold totalXP reaches.
func (p *Policy) LevelFor(totalXP int64) int {
	if totalXP <= 0 {
		return 1
	}
	lo, hi := 0, len(p.thresholds)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if p.thresholds[mid] <= totalXP {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

// Title returns the display title for level.
func (p *Policy) Title(level int) string {
	level = p.clamp(level)
	if level <= len(p.titles) && p.titles[level-1] != "" {
		return p.titles[level-1]
	}
	return fmt.Sprintf("Lv.%d", level)
}

// Progress reports progress inside the current level. At the maximum level
// the ratio is 1 and nothing more is needed.
func (p *Policy) Progress(totalXP int64) Progress {
	totalXP = max(0, totalXP)
	level := p.LevelFor(totalXP)
	into := totalXP - p.Threshold(level)

	if level >= p.MaxLevel() {
		return Progress{Level: level, XPIntoLevel: into, Ratio: 1.0}
	}

	need := p.Threshold(level+1) - p.Threshold(level)
	ratio := float64(into) / float64(need)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return Progress{
		Level:       level,
		XPIntoLevel: into,
		XPNeeded:    need,
		XPToNext:    p.Threshold(level+1) - totalXP,
		Ratio:       ratio,
	}
}

func (p *Policy) clamp(level int) int {
	if level < 1 {
		return 1
	}
	if level > len(p.thresholds) {
		return len(p.thresholds)
	}
	return level
}
