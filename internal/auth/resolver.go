package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
)

// ResolverOptions size the local caches in front of the durable store.
type ResolverOptions struct {
	CacheSize    int
	CacheTTL     time.Duration
	NegativeTTL  time.Duration
	StoreTimeout time.Duration
	DefaultTTL   time.Duration
}

// Resolver maps bearer tokens to principals. Lookups consult the blacklist,
// then a bounded LRU of live sessions, and only then the durable store.
type Resolver struct {
	store     Store
	cache     *expirable.LRU[string, Principal]
	blacklist *expirable.LRU[string, struct{}]
	opts      ResolverOptions
	logger    *slog.Logger
	now       func() time.Time
}

func NewResolver(store Store, opts ResolverOptions, logger *slog.Logger) *Resolver {
	if opts.CacheSize < 1 {
		opts.CacheSize = 4096
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = 5 * time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 500 * time.Millisecond
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 12 * time.Hour
	}
	return &Resolver{
		store:     store,
		cache:     expirable.NewLRU[string, Principal](opts.CacheSize, nil, opts.CacheTTL),
		blacklist: expirable.NewLRU[string, struct{}](opts.CacheSize, nil, opts.NegativeTTL),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for session expiry. Intended for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Issue creates a session for p and persists it. A zero ttl uses the default.
func (r *Resolver) Issue(ctx context.Context, p Principal, ttl time.Duration) (string, Principal, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return "", Principal{}, ErrInvalidUser
	}
	if ttl <= 0 {
		ttl = r.opts.DefaultTTL
	}
	p.ExpiresAt = r.now().Add(ttl).UTC()
	token, err := NewToken()
	if err != nil {
		return "", Principal{}, err
	}
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	if err := r.store.Save(sctx, token, p); err != nil {
		return "", Principal{}, err
	}
	r.cache.Add(token, p)
	return token, p, nil
}

// Resolve returns the principal for token or an Unauthorized error.
func (r *Resolver) Resolve(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, apperr.New(apperr.Unauthorized, "credential is required")
	}
	if _, banned := r.blacklist.Get(token); banned {
		return Principal{}, apperr.New(apperr.Unauthorized, "credential is revoked or unknown")
	}
	now := r.now()
	if p, ok := r.cache.Get(token); ok {
		if !p.expired(now) {
			return p, nil
		}
		r.cache.Remove(token)
		r.blacklist.Add(token, struct{}{})
		return Principal{}, apperr.New(apperr.Unauthorized, "credential expired")
	}

	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	p, err := r.store.Lookup(sctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		r.blacklist.Add(token, struct{}{})
		return Principal{}, apperr.New(apperr.Unauthorized, "credential is revoked or unknown")
	}
	if err != nil {
		r.logger.Warn("token store lookup failed", "err", err)
		return Principal{}, apperr.Wrap(apperr.Unauthorized, err, "credential could not be verified")
	}
	if p.expired(now) {
		r.blacklist.Add(token, struct{}{})
		return Principal{}, apperr.New(apperr.Unauthorized, "credential expired")
	}
	r.cache.Add(token, p)
	return p, nil
}

// Revoke ends the session behind token everywhere this replica can reach.
func (r *Resolver) Revoke(ctx context.Context, token string) error {
	r.cache.Remove(token)
	r.blacklist.Add(token, struct{}{})
	sctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	return r.store.Delete(sctx, token)
}

// CacheLen reports the number of cached live sessions.
func (r *Resolver) CacheLen() int { return r.cache.Len() }
