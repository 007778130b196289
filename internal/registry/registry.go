package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidUnit    = errors.New("registry: unit name is required")
	ErrInvalidAddress = errors.New("registry: address must be an absolute http(s) or grpc URL")
)

// Registration is the control plane's view of one unit.
type Registration struct {
	Unit                string    `json:"unit" example:"erp"`
	Address             string    `json:"address" example:"http://erp:8080"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RegisteredAt        time.Time `json:"registered_at"`
}

// Registry owns unit registrations. Health is only changed through ReportProbe.
type Registry struct {
	mu     sync.RWMutex
	byUnit map[string]*Registration
	now    func() time.Time
}

func New() *Registry {
	return &Registry{byUnit: map[string]*Registration{}, now: time.Now}
}

// Register adds or refreshes unit. Registering the same address again is a
// no-op; a new address resets health so the unit is routable immediately.
func (r *Registry) Register(unit, address string) (Registration, error) {
	unit = strings.TrimSpace(unit)
	if unit == "" || strings.Contains(unit, "/") {
		return Registration{}, ErrInvalidUnit
	}
	address, err := normalizeAddress(address)
	if err != nil {
		return Registration{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byUnit[unit]; ok {
		if cur.Address != address {
			cur.Address = address
			cur.Healthy = true
			cur.ConsecutiveFailures = 0
		}
		return *cur, nil
	}
	reg := &Registration{Unit: unit, Address: address, Healthy: true, RegisteredAt: r.now()}
	r.byUnit[unit] = reg
	return *reg, nil
}

// Deregister removes unit. Unknown units are ignored.
func (r *Registry) Deregister(unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUnit, unit)
}

// Discover returns the address of unit only when it is registered and healthy.
func (r *Registry) Discover(unit string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byUnit[unit]
	if !ok || !reg.Healthy {
		return "", false
	}
	return reg.Address, true
}

// Get returns the registration of unit regardless of health.
func (r *Registry) Get(unit string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byUnit[unit]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Snapshot returns copies of all registrations sorted by unit name.
func (r *Registry) Snapshot() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.byUnit))
	for _, reg := range r.byUnit {
		out = append(out, *reg)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// ReportProbe applies one probe result. A unit becomes unhealthy after
// threshold consecutive failures and healthy again on the first success.
// It returns the registration after the update and whether health flipped.
func (r *Registry) ReportProbe(unit string, ok bool, at time.Time, threshold int) (Registration, bool) {
	if threshold < 1 {
		threshold = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, found := r.byUnit[unit]
	if !found {
		return Registration{}, false
	}
	before := reg.Healthy
	reg.LastCheck = at
	if ok {
		reg.ConsecutiveFailures = 0
		reg.Healthy = true
	} else {
		reg.ConsecutiveFailures++
		if reg.ConsecutiveFailures >= threshold {
			reg.Healthy = false
		}
	}
	return *reg, before != reg.Healthy
}

func normalizeAddress(address string) (string, error) {
	address = strings.TrimRight(strings.TrimSpace(address), "/")
	for _, scheme := range []string{"http://", "https://", "grpc://"} {
		if strings.HasPrefix(strings.ToLower(address), scheme) && len(address) > len(scheme) {
			return address, nil
		}
	}
	return "", ErrInvalidAddress
}
