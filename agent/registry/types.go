package registry

import (
	"errors"
	"fmt"
	"time"
)

// Status is the health of an agent as seen by the registry.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusHealthy || s == StatusDegraded || s == StatusUnreachable
}

// Agent is a snapshot of an executor known to the registry.
// The registry never creates agents; it holds a live view of externally managed ones.
type Agent struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	Capabilities  []string          `json:"capabilities"`
	Capacity      int               `json:"capacity"`
	Load          int               `json:"load"`
	Status        Status            `json:"status"`
	Reported      Status            `json:"reported_status,omitempty"`
	Circuit       string            `json:"circuit,omitempty"`
	CooldownEnds  *time.Time        `json:"cooldown_ends,omitempty"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Executor      string            `json:"executor,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	RegisteredAt  time.Time         `json:"registered_at"`
}

// HasCapability reports whether the agent serves the given tag.
func (a Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// SpareCapacity returns how many more tasks the agent can take.
func (a Agent) SpareCapacity() int {
	if a.Load >= a.Capacity {
		return 0
	}
	return a.Capacity - a.Load
}

// ErrAgentNotFound is returned for an unknown agent ID.
var ErrAgentNotFound = errors.New("agent not found")

// NoCapableAgentError reports that no healthy agent with spare capacity serves a capability.
// Saturated is true when healthy capable agents exist but all are at capacity.
type NoCapableAgentError struct {
	Capability string
	Saturated  bool
}

func (e *NoCapableAgentError) Error() string {
	if e.Saturated {
		return fmt.Sprintf("all agents for capability %q are at capacity", e.Capability)
	}
	return fmt.Sprintf("no healthy agent for capability %q", e.Capability)
}

// Stats summarizes the registry.
type Stats struct {
	Total         int                       `json:"total"`
	ByStatus      map[Status]int            `json:"by_status"`
	ByCapability  map[string]CapabilityStat `json:"by_capability"`
	TotalLoad     int                       `json:"total_load"`
	TotalCapacity int                       `json:"total_capacity"`
	Utilization   float64                   `json:"utilization"`
}

// CapabilityStat summarizes agents serving one capability.
type CapabilityStat struct {
	Agents   int `json:"agents"`
	Healthy  int `json:"healthy"`
	Load     int `json:"load"`
	Capacity int `json:"capacity"`
}

// StatusChange is reported to the registry's observer whenever an agent's effective status moves.
type StatusChange struct {
	AgentID string    `json:"agent_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}
