package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/procguard-labs/procguard/pkg/resilience"
)

// Profile is the resilience tuning document. It carries per-endpoint breaker
// parameters and the last-known-good snapshot policy.
type Profile struct {
	Name      string                     `yaml:"name"`
	Endpoints map[string]EndpointProfile `yaml:"endpoints"`
	LKG       LKGConfig                  `yaml:"lkg"`
}

// EndpointProfile tunes one endpoint's dual-track breaker.
type EndpointProfile struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds"`
	HalfOpenSuccess     int `yaml:"half_open_success"`
}

// LKGConfig controls snapshot caching for degraded reads.
type LKGConfig struct {
	Backend    string `yaml:"backend"` // "memory" | "redis"
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// LoadProfile reads and validates a resilience profile. A missing path
// returns the default profile: default breaker parameters, memory-backed LKG.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return &Profile{
			Name: "default",
			LKG:  LKGConfig{Backend: "memory"},
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	for name, ep := range p.Endpoints {
		if ep.FailureThreshold < 0 || ep.ResetTimeoutSeconds < 0 || ep.HalfOpenSuccess < 0 {
			return nil, fmt.Errorf("config: profile endpoint %q has negative parameters", name)
		}
	}
	switch p.LKG.Backend {
	case "", "memory", "redis":
	default:
		return nil, fmt.Errorf("config: unknown lkg backend %q", p.LKG.Backend)
	}
	if p.LKG.Backend == "" {
		p.LKG.Backend = "memory"
	}
	return &p, nil
}

// BreakerParams converts the profile into per-endpoint breaker parameters.
// Unset fields fall back to the defaults.
func (p *Profile) BreakerParams() map[string]resilience.Params {
	params := make(map[string]resilience.Params, len(p.Endpoints))
	for name, ep := range p.Endpoints {
		out := resilience.DefaultParams
		if ep.FailureThreshold > 0 {
			out.FailureThreshold = ep.FailureThreshold
		}
		if ep.ResetTimeoutSeconds > 0 {
			out.ResetTimeout = time.Duration(ep.ResetTimeoutSeconds) * time.Second
		}
		if ep.HalfOpenSuccess > 0 {
			out.HalfOpenSuccess = ep.HalfOpenSuccess
		}
		params[name] = out
	}
	return params
}
