// Package worker is the narrow boundary to the external phase-execution
// service. The engine treats it as the only slow, fallible dependency.
package worker

import (
	"context"

	phase "github.com/goliatone/go-phase"
)

// Handle identifies one in-flight execution on the worker side.
type Handle string

// Config is the opaque option map passed through to the worker
// (model, temperature, max_tokens, ...).
type Config map[string]any

// Clone returns a shallow copy so per-attempt overrides never touch the caller's map.
func (c Config) Clone() Config {
	if c == nil {
		return Config{}
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a copy of c with overrides applied.
func (c Config) Merge(overrides map[string]any) Config {
	out := c.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Outcome is one poll result. Done with a nil Err is success.
type Outcome struct {
	Done     bool           `json:"done"`
	Progress int            `json:"progress"`
	SubStep  string         `json:"sub_step,omitempty"`
	Message  string         `json:"message,omitempty"`
	Outputs  []phase.Output `json:"outputs,omitempty"`
	Err      error          `json:"-"`
}

// Client executes and polls phase work.
type Client interface {
	Execute(ctx context.Context, phaseID, caseID string, cfg Config) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Outcome, error)
}

// RateAdjuster is implemented by clients that can slow their request rate.
type RateAdjuster interface {
	ReduceRate() (newRate float64)
}
