package admission

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
)

var ErrInvalidTenant = errors.New("admission: tenant id is required")

type TenantStatus string

const (
	TenantEnabled  TenantStatus = "enabled"
	TenantDisabled TenantStatus = "disabled"
)

// Tenant is a customer account admitted by the control plane.
type Tenant struct {
	ID        string       `json:"id" example:"acme"`
	Status    TenantStatus `json:"status" example:"enabled"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`

	// RequestsPerMinute overrides the default quota when set. 0 is unlimited.
	RequestsPerMinute *int `json:"requests_per_minute,omitempty"`
}

// Directory owns the tenant records.
type Directory struct {
	mu      sync.RWMutex
	tenants map[string]Tenant
}

func NewDirectory() *Directory {
	return &Directory{tenants: map[string]Tenant{}}
}

// Put creates or replaces a tenant. An empty status means enabled.
func (d *Directory) Put(t Tenant) (Tenant, error) {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return Tenant{}, ErrInvalidTenant
	}
	if t.Status == "" {
		t.Status = TenantEnabled
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenants[t.ID] = t
	return t, nil
}

// RPM returns a per-tenant quota override for Tenant.RequestsPerMinute.
func RPM(n int) *int { return &n }

func (d *Directory) Get(id string) (Tenant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tenants[id]
	return t, ok
}

func (d *Directory) Delete(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.tenants[id]
	delete(d.tenants, id)
	return ok
}

func (d *Directory) List() []Tenant {
	d.mu.RLock()
	out := make([]Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Quota validates tenants and enforces their per-minute request budget.
type Quota struct {
	dir        *Directory
	limiter    *SlidingWindow
	defaultRPM int
	now        func() time.Time
}

func NewQuota(dir *Directory, limiter *SlidingWindow, defaultRPM int) *Quota {
	return &Quota{dir: dir, limiter: limiter, defaultRPM: defaultRPM, now: time.Now}
}

// WithClock replaces the time source used for tenant expiry. Intended for tests.
func (q *Quota) WithClock(now func() time.Time) *Quota {
	q.now = now
	return q
}

// Admit returns nil when tenantID may send one more request now.
func (q *Quota) Admit(tenantID string) error {
	if tenantID == "" {
		return apperr.New(apperr.TenantInvalid, "tenant id is required")
	}
	t, ok := q.dir.Get(tenantID)
	if !ok {
		return apperr.Newf(apperr.TenantInvalid, "tenant %q is not registered", tenantID)
	}
	if t.Status != TenantEnabled {
		return apperr.Newf(apperr.TenantInvalid, "tenant %q is %s", tenantID, t.Status)
	}
	if !t.ExpiresAt.IsZero() && !q.now().Before(t.ExpiresAt) {
		return apperr.Newf(apperr.TenantInvalid, "tenant %q expired", tenantID)
	}
	limit := q.defaultRPM
	if t.RequestsPerMinute != nil {
		limit = *t.RequestsPerMinute
	}
	d := q.limiter.Allow("tenant:"+tenantID, limit)
	if !d.Allowed {
		return apperr.Newf(apperr.QuotaExceeded, "tenant %q exceeded %d requests per minute", tenantID, limit).
			With("retry_at", d.RetryAt.UTC().Format(time.RFC3339))
	}
	return nil
}
