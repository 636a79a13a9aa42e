// Package health tracks the health of scheduler components from the
// outcomes of their operations.
package health

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates repeated failures that the engine works around
	StateDegraded

	// StateUnavailable indicates the component keeps failing
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastCheck         time.Time   `json:"last_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	Clock clock.Clock `yaml:"-"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       1,
		UnavailableThreshold: 5,
	}
}

// Tracker tracks the health of multiple components and determines overall health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 1
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.components[name]; !exists {
		now := t.config.Clock.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
		}
	}
}

// AddStateChangeCallback registers fn for every state change.
func (t *Tracker) AddStateChangeCallback(fn StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// RecordSuccess records a successful operation. One success restores a
// component to healthy.
func (t *Tracker) RecordSuccess(component string) {
	t.record(component, nil)
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	if err == nil {
		err = fmt.Errorf("unspecified failure")
	}
	t.record(component, err)
}

func (t *Tracker) record(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}
	now := t.config.Clock.Now()
	h.LastCheck = now

	old := h.State
	if err == nil {
		h.ConsecutiveErrors = 0
		h.State = StateHealthy
	} else {
		h.ConsecutiveErrors++
		h.LastErrorMessage = err.Error()
		switch {
		case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
			h.State = StateUnavailable
		case h.ConsecutiveErrors >= t.config.ErrorThreshold:
			h.State = StateDegraded
		}
	}
	if h.State == old {
		t.mu.Unlock()
		return
	}
	h.LastStateChange = now
	callbacks := t.callbacks
	newState := h.State
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb(component, old, newState, err)
	}
}

// GetState returns the current health state of a component. Unknown
// components are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health of a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// GetAllComponents returns the health of every component, sorted by name.
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// Report is the JSON body served on the health endpoint.
type Report struct {
	Status     HealthState       `json:"status"`
	Components []ComponentHealth `json:"components"`
}

// Report returns the overall state with every component.
func (t *Tracker) Report() Report {
	return Report{Status: t.GetOverallHealth(), Components: t.GetAllComponents()}
}
