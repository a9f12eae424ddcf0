package dispatcher

import (
	"math/rand"
	"time"
)

type Rand interface {
	Intn(n int) int
}

type PlannerConfig struct {
	Backoff1 time.Duration // default: 5 minutes
	Backoff2 time.Duration // default: 15 minutes
	Backoff3 time.Duration // default: 30 minutes
	Backoff4 time.Duration // default: 60 minutes

	// MaxJitter spreads retries of a burst of failures; 0 disables it.
	MaxJitter time.Duration
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		Backoff1: 5 * time.Minute,
		Backoff2: 15 * time.Minute,
		Backoff3: 30 * time.Minute,
		Backoff4: 60 * time.Minute,
	}
}

type Planner struct {
	cfg PlannerConfig
	r   Rand
}

func NewPlanner(cfg PlannerConfig, r Rand) *Planner {
	def := DefaultPlannerConfig()
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if cfg.Backoff4 <= 0 {
		cfg.Backoff4 = def.Backoff4
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{cfg: cfg, r: r}
}

// BackoffDelay is the wait before the next send after attempt failed attempts.
func (p *Planner) BackoffDelay(attempt int32) time.Duration {
	var d time.Duration
	switch {
	case attempt <= 1:
		d = p.cfg.Backoff1
	case attempt == 2:
		d = p.cfg.Backoff2
	case attempt == 3:
		d = p.cfg.Backoff3
	default:
		d = p.cfg.Backoff4
	}
	if sec := int(p.cfg.MaxJitter.Seconds()); sec > 0 {
		d += time.Duration(p.r.Intn(sec+1)) * time.Second
	}
	return d
}

func BackoffDelay(attempt int32) time.Duration {
	return NewPlanner(DefaultPlannerConfig(), nil).BackoffDelay(attempt)
}
