package process

import "fmt"

// Configuration binds a process type to its graph and optional
// per-step overrides. It replaces the deep-inheritance process-manager
// base class pattern with one concrete manager parameterized by a map
// of these.
type Configuration struct {
	Type  string
	Graph *Graph

	// IsRetryable classifies a step failure; nil means every failure
	// is retryable up to MaxRetries.
	IsRetryable func(step string, err error) bool

	// MaxRetries overrides the manager-wide default for a step; a nil
	// func or a non-positive return means use the default.
	MaxRetries func(step string) int
}

func (c Configuration) isRetryable(step string, err error) bool {
	if c.IsRetryable == nil {
		return true
	}
	return c.IsRetryable(step, err)
}

func (c Configuration) maxRetries(step string, fallback int) int {
	if c.MaxRetries == nil {
		return fallback
	}
	if n := c.MaxRetries(step); n > 0 {
		return n
	}
	return fallback
}

// ConfigRegistry holds every registered process type's Configuration.
type ConfigRegistry struct {
	configs map[string]Configuration
}

func NewConfigRegistry() *ConfigRegistry {
	return &ConfigRegistry{configs: make(map[string]Configuration)}
}

// Register binds a Configuration to its Type. Registering the same
// type twice is a programming error.
func (r *ConfigRegistry) Register(cfg Configuration) {
	if _, exists := r.configs[cfg.Type]; exists {
		panic(fmt.Sprintf("process: type %q already has a registered configuration", cfg.Type))
	}
	r.configs[cfg.Type] = cfg
}

func (r *ConfigRegistry) Lookup(processType string) (Configuration, bool) {
	cfg, ok := r.configs[processType]
	return cfg, ok
}
