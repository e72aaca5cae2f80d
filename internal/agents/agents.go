// Package agents holds the fleet registry: the four named agents, their
// service identifiers, and the configured leader.
package agents

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Names is the fleet roster in broadcast order. Consensus votes are
// collected in exactly this order.
var Names = []string{"gpt", "claude", "gemini", "grok"}

// defaultServices maps each agent to its tool-surface service name.
var defaultServices = map[string]string{
	"gpt":    "openclaw-gpt",
	"claude": "openclaw-claude",
	"gemini": "openclaw-gemini",
	"grok":   "openclaw-grok",
}

// Profile is the optional YAML overlay for the service mapping.
type Profile struct {
	Services map[string]string `yaml:"services"`
}

// Registry resolves agent names to services and identifies the leader.
type Registry struct {
	services map[string]string
	leader   string
}

// NewRegistry builds a registry with the built-in service mapping. The
// leader must be one of the known agents.
func NewRegistry(leader string) (*Registry, error) {
	leader = strings.ToLower(strings.TrimSpace(leader))
	services := make(map[string]string, len(defaultServices))
	for k, v := range defaultServices {
		services[k] = v
	}
	r := &Registry{services: services, leader: leader}
	if !r.Known(leader) {
		return nil, fmt.Errorf("unknown leader agent: %s (known: %s)", leader, strings.Join(Names, ", "))
	}
	return r, nil
}

// LoadProfile overlays the service mapping from a YAML file. Entries must
// name known agents; a missing file is an error so a misconfigured path
// does not silently keep the defaults.
func (r *Registry) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent profile: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("failed to parse agent profile %s: %w", path, err)
	}
	for agent, service := range profile.Services {
		name := strings.ToLower(strings.TrimSpace(agent))
		if !r.Known(name) {
			return fmt.Errorf("agent profile %s names unknown agent: %s", path, agent)
		}
		if strings.TrimSpace(service) == "" {
			return fmt.Errorf("agent profile %s has empty service for agent: %s", path, agent)
		}
		r.services[name] = strings.TrimSpace(service)
	}
	return nil
}

// Known reports whether name is one of the fleet agents.
func (r *Registry) Known(name string) bool {
	_, ok := r.services[strings.ToLower(name)]
	return ok
}

// Service returns the service identifier for the agent.
func (r *Registry) Service(agent string) (string, bool) {
	svc, ok := r.services[strings.ToLower(agent)]
	return svc, ok
}

// Leader returns the configured leader agent.
func (r *Registry) Leader() string { return r.leader }
