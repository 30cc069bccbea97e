package ratelimit

import (
	"fmt"
	"sort"
	"time"
)

const DefaultDuration = 60 * time.Second

// Budget of Points per fixed window of Duration.
type LimiterConfig struct {
	Points   int
	Duration time.Duration
}

func (c LimiterConfig) valid() bool {
	return c.Points > 0 && c.Duration >= time.Second
}

// Limits for one mode. Plans override Default.
type ModeLimits struct {
	Default LimiterConfig
	Plans   map[Plan]LimiterConfig
}

// Immutable (mode, plan) -> LimiterConfig mapping. Build it with NewTable or
// DefaultTable; there is no way to change a Table after construction.
type Table struct {
	modes    map[Mode]ModeLimits
	fallback LimiterConfig
}

// Copies modes, so later changes to the argument do not leak in. fallback is
// returned by Resolve for modes the table does not configure.
func NewTable(modes map[Mode]ModeLimits, fallback LimiterConfig) *Table {
	t := &Table{
		modes:    make(map[Mode]ModeLimits, len(modes)),
		fallback: fallback,
	}
	for mode, limits := range modes {
		t.modes[mode] = copyLimits(limits)
	}
	return t
}

func perMinute(points int) LimiterConfig {
	return LimiterConfig{Points: points, Duration: DefaultDuration}
}

// The production limits.
func DefaultTable() *Table {
	return NewTable(map[Mode]ModeLimits{
		ModeCrawl: {
			Default: perMinute(3),
			Plans: map[Plan]LimiterConfig{
				PlanFree:     perMinute(2),
				PlanStarter:  perMinute(3),
				PlanStandard: perMinute(5),
			},
		},
		ModeScrape: {
			Default: perMinute(20),
			Plans: map[Plan]LimiterConfig{
				PlanFree:     perMinute(5),
				PlanHobby:    perMinute(10),
				PlanStarter:  perMinute(20),
				PlanStandard: perMinute(50),
			},
		},
		ModeSearch: {
			Default: perMinute(5),
			Plans: map[Plan]LimiterConfig{
				PlanFree:     perMinute(5),
				PlanStarter:  perMinute(20),
				PlanStandard: perMinute(40),
				PlanGrowth:   perMinute(500),
			},
		},
		ModePreview: {
			Default: perMinute(5),
			Plans: map[Plan]LimiterConfig{
				PlanFree: perMinute(5),
			},
		},
		ModeAccount: {
			Default: perMinute(100),
			Plans: map[Plan]LimiterConfig{
				PlanFree: perMinute(100),
			},
		},
		ModeCrawlStatus: {
			Default: perMinute(150),
			Plans: map[Plan]LimiterConfig{
				PlanFree:   perMinute(150),
				PlanGrowth: perMinute(150),
			},
		},
		ModeTestSuite: {
			Default: perMinute(10000),
			Plans: map[Plan]LimiterConfig{
				PlanFree: perMinute(10000),
			},
		},
	}, perMinute(20))
}

// Returns the plan's config, else the mode default, else the table fallback.
func (t *Table) Resolve(mode Mode, plan Plan) LimiterConfig {
	limits, ok := t.modes[mode]
	if !ok {
		return t.fallback
	}
	if cfg, ok := limits.Plans[plan]; ok {
		return cfg
	}
	return limits.Default
}

// Reports whether the mode has an explicit entry for plan.
func (t *Table) HasPlan(mode Mode, plan Plan) bool {
	limits, ok := t.modes[mode]
	if !ok {
		return false
	}
	_, ok = limits.Plans[plan]
	return ok
}

// Returns a copy of the limits configured for mode.
func (t *Table) Lookup(mode Mode) (ModeLimits, bool) {
	limits, ok := t.modes[mode]
	if !ok {
		return ModeLimits{}, false
	}
	return copyLimits(limits), true
}

// Configured modes in lexical order.
func (t *Table) Modes() []Mode {
	modes := make([]Mode, 0, len(t.modes))
	for mode := range t.modes {
		modes = append(modes, mode)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	return modes
}

func (t *Table) Fallback() LimiterConfig {
	return t.fallback
}

// Checks that every known mode has a usable default and that every config
// has positive points and a duration of at least one second. Run it at
// startup; a table that fails here must not serve traffic.
func (t *Table) Validate() error {
	if !t.fallback.valid() {
		return fmt.Errorf("%w: fallback %+v", ErrInvalidConfiguration, t.fallback)
	}
	for _, mode := range KnownModes {
		if _, ok := t.modes[mode]; !ok {
			return fmt.Errorf("%w: mode %q has no limits", ErrInvalidConfiguration, mode)
		}
	}
	for _, mode := range t.Modes() {
		limits := t.modes[mode]
		if !limits.Default.valid() {
			return fmt.Errorf("%w: mode %q default %+v", ErrInvalidConfiguration, mode, limits.Default)
		}
		for plan, cfg := range limits.Plans {
			if plan == PlanDefault {
				return fmt.Errorf("%w: mode %q lists the default plan as an override", ErrInvalidConfiguration, mode)
			}
			if !cfg.valid() {
				return fmt.Errorf("%w: mode %q plan %q %+v", ErrInvalidConfiguration, mode, plan, cfg)
			}
		}
	}
	return nil
}

// Returns a new table with overrides layered on top. A zero Default keeps
// the existing default; plan entries replace the existing ones.
func (t *Table) WithOverrides(overrides map[Mode]ModeLimits) *Table {
	merged := make(map[Mode]ModeLimits, len(t.modes)+len(overrides))
	for mode, limits := range t.modes {
		merged[mode] = copyLimits(limits)
	}
	for mode, override := range overrides {
		limits, ok := merged[mode]
		if !ok {
			limits = ModeLimits{Plans: map[Plan]LimiterConfig{}}
		}
		if override.Default != (LimiterConfig{}) {
			limits.Default = override.Default
		}
		for plan, cfg := range override.Plans {
			limits.Plans[plan] = cfg
		}
		merged[mode] = limits
	}
	return NewTable(merged, t.fallback)
}

func copyLimits(limits ModeLimits) ModeLimits {
	plans := make(map[Plan]LimiterConfig, len(limits.Plans))
	for plan, cfg := range limits.Plans {
		plans[plan] = cfg
	}
	return ModeLimits{Default: limits.Default, Plans: plans}
}
