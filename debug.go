package odata

import "github.com/google/uuid"

// DebugConfig selects which client events are logged.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogRateLimit bool
	LogCircuit   bool
	RequestIDGen func() string
}

// DefaultDebugConfig logs every category once Enabled is set.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogRateLimit: true,
		LogCircuit:   true,
		RequestIDGen: uuid.NewString,
	}
}

func (c *Client) debugEnabled(flag func(*DebugConfig) bool) bool {
	if c.debug == nil || !c.debug.Enabled || c.logger == nil {
		return false
	}
	return flag == nil || flag(c.debug)
}

func logRequests(d *DebugConfig) bool  { return d.LogRequests }
func logRetries(d *DebugConfig) bool   { return d.LogRetries }
func logCache(d *DebugConfig) bool     { return d.LogCache }
func logRateLimit(d *DebugConfig) bool { return d.LogRateLimit }
func logCircuit(d *DebugConfig) bool   { return d.LogCircuit }
