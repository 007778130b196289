package proxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// responseCache holds short-lived copies of successful GET/HEAD answers.
type responseCache struct {
	lru *expirable.LRU[string, *upstreamResponse]
}

func newResponseCache(size int, ttl time.Duration) *responseCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &responseCache{lru: expirable.NewLRU[string, *upstreamResponse](size, nil, ttl)}
}

func cacheKey(tenant, unit, method, path, rawQuery string) string {
	var b strings.Builder
	b.WriteString(tenant)
	b.WriteByte('|')
	b.WriteString(unit)
	b.WriteByte('|')
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(path)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func (c *responseCache) get(key string) (*upstreamResponse, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *responseCache) put(key string, resp *upstreamResponse) {
	if c == nil || resp.Status < 200 || resp.Status > 299 {
		return
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return
	}
	c.lru.Add(key, resp)
}

func (c *responseCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
