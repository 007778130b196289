package auth

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mingxin1a/paas-platform-sub000/internal/apperr"
	"github.com/mingxin1a/paas-platform-sub000/internal/logging"
)

type countingStore struct {
	*MemoryStore
	lookups atomic.Int32
	fail    error
}

func (c *countingStore) Lookup(ctx context.Context, token string) (Principal, error) {
	c.lookups.Add(1)
	if c.fail != nil {
		return Principal{}, c.fail
	}
	return c.MemoryStore.Lookup(ctx, token)
}

func newResolver(store Store) *Resolver {
	return NewResolver(store, ResolverOptions{CacheSize: 16, CacheTTL: time.Minute, NegativeTTL: time.Minute}, logging.Discard())
}

func TestPrincipalCanAccess(t *testing.T) {
	assert.True(t, Principal{}.CanAccess("erp"))
	p := Principal{AllowedUnits: []string{"erp", "wms"}}
	assert.True(t, p.CanAccess("wms"))
	assert.False(t, p.CanAccess("fms"))
	assert.True(t, Principal{AllowedUnits: []string{"*"}}.CanAccess("fms"))
}

func TestIssueAndResolveUsesCache(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	r := newResolver(store)

	token, p, err := r.Issue(context.Background(), Principal{UserID: "u-1", Role: "operator", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.False(t, p.ExpiresAt.IsZero())

	got, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", got.UserID)
	assert.Zero(t, store.lookups.Load(), "freshly issued sessions are served from cache")
}

func TestResolveFallsBackToStoreAndCaches(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.Save(context.Background(), "tok", Principal{UserID: "u-2", ExpiresAt: time.Now().Add(time.Hour)}))
	r := newResolver(store)

	for i := 0; i < 3; i++ {
		p, err := r.Resolve(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, "u-2", p.UserID)
	}
	assert.Equal(t, int32(1), store.lookups.Load())
	assert.Equal(t, 1, r.CacheLen())
}

func TestUnknownTokenIsBlacklisted(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	r := newResolver(store)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "nope")
		assert.True(t, apperr.HasCode(err, apperr.Unauthorized))
	}
	assert.Equal(t, int32(1), store.lookups.Load(), "negative cache absorbs repeats")

	_, err := r.Resolve(context.Background(), "")
	assert.True(t, apperr.HasCode(err, apperr.Unauthorized))
}

func TestRevokeBlocksFurtherUse(t *testing.T) {
	store := NewMemoryStore()
	r := newResolver(store)
	token, _, err := r.Issue(context.Background(), Principal{UserID: "u-3"}, time.Hour)
	require.NoError(t, err)

	require.NoError(t, r.Revoke(context.Background(), token))
	_, err = r.Resolve(context.Background(), token)
	assert.True(t, apperr.HasCode(err, apperr.Unauthorized))
	_, err = store.Lookup(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestExpiredSessionRejected(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	r := newResolver(store).WithClock(func() time.Time { return now })
	token, _, err := r.Issue(context.Background(), Principal{UserID: "u-4"}, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = r.Resolve(context.Background(), token)
	assert.ErrorContains(t, err, "expired")
}

func TestStoreOutageIsUnauthorized(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(), fail: errors.New("dial tcp: timeout")}
	r := newResolver(store)
	_, err := r.Resolve(context.Background(), "tok")
	assert.True(t, apperr.HasCode(err, apperr.Unauthorized))

	// outages are not remembered as bad tokens
	store.fail = nil
	require.NoError(t, store.Save(context.Background(), "tok", Principal{UserID: "u-5"}))
	_, err = r.Resolve(context.Background(), "tok")
	assert.NoError(t, err)
}

func TestIssueRequiresUser(t *testing.T) {
	r := newResolver(NewMemoryStore())
	_, _, err := r.Issue(context.Background(), Principal{UserID: "  "}, 0)
	assert.ErrorIs(t, err, ErrInvalidUser)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	s := NewRedisStore(rdb)
	ctx := context.Background()

	p := Principal{UserID: "u-6", Role: "operator", AllowedUnits: []string{"erp"}, ExpiresAt: time.Now().Add(time.Minute)}
	require.NoError(t, s.Save(ctx, "tok", p))
	assert.True(t, mr.Exists(redisKeyPrefix+"tok"))

	got, err := s.Lookup(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"erp"}, got.AllowedUnits)

	mr.FastForward(2 * time.Minute)
	_, err = s.Lookup(ctx, "tok")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	require.NoError(t, s.Save(ctx, "tok2", Principal{UserID: "u-7"}))
	require.NoError(t, s.Delete(ctx, "tok2"))
	_, err = s.Lookup(ctx, "tok2")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.NoError(t, s.Ping(ctx))
}

func TestSQLStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewSQLStore(db, "controlplane")
	ctx := context.Background()

	p := Principal{UserID: "u-8", Role: "operator"}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "controlplane".sessions`)).
		WithArgs("tok", "u-8", sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Save(ctx, "tok", p))

	bs, err := json.Marshal(p)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT principal FROM "controlplane".sessions`)).
		WithArgs("tok", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"principal"}).AddRow(bs))
	got, err := s.Lookup(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "u-8", got.UserID)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT principal FROM "controlplane".sessions`)).
		WithArgs("gone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"principal"}))
	_, err = s.Lookup(ctx, "gone")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "controlplane".sessions WHERE expires_at IS NOT NULL`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdminToken(t *testing.T) {
	tok, err := IssueAdminToken("op-secret", "alice", time.Minute)
	require.NoError(t, err)

	claims, err := ParseAdminToken("op-secret", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	_, err = ParseAdminToken("other", tok)
	assert.Error(t, err)

	viewer := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{Role: "viewer"})
	signed, err := viewer.SignedString([]byte("op-secret"))
	require.NoError(t, err)
	_, err = ParseAdminToken("op-secret", signed)
	assert.ErrorIs(t, err, ErrNotAdmin)

	expired, err := IssueAdminToken("op-secret", "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseAdminToken("op-secret", expired)
	assert.Error(t, err)
}
