package proxies

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
)

func setupCoord(t *testing.T) *coord.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return coord.NewFromClient(rdb, zerolog.Nop())
}

func newPool(t *testing.T, cfg *config.Config) *Pool {
	t.Helper()
	return New(cfg, setupCoord(t), zerolog.Nop())
}

func TestPickWithoutProxies(t *testing.T) {
	p := newPool(t, &config.Config{})

	proxy, err := p.Pick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, proxy, "no configuration means direct requests")
}

func TestPickStatic(t *testing.T) {
	cfg := &config.Config{}
	cfg.ProxyURLs = []config.ProxySection{
		{URL: "http://one.example:8080/", CountryCode: "DE"},
		{URL: "http://two.example:8080/"},
	}
	p := newPool(t, cfg)

	seen := map[string]bool{}
	for range 20 {
		proxy, err := p.Pick(context.Background())
		require.NoError(t, err)
		require.NotNil(t, proxy)
		seen[proxy.URL] = true
	}
	for url := range seen {
		assert.Contains(t, []string{"http://one.example:8080/", "http://two.example:8080/"}, url)
	}
}

const webshareBody = `{
	"results": [
		{"username": "u1", "password": "p1", "proxy_address": "1.2.3.4", "port": 8080, "valid": true, "country_code": "DE"},
		{"username": "u2", "password": "p2", "proxy_address": "5.6.7.8", "port": 8081, "valid": false, "country_code": "US"},
		{"username": "u3", "password": "p3", "proxy_address": "9.9.9.9", "port": 1080, "valid": true, "country_code": "FR"}
	]
}`

func TestWebshareFetch(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "token-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(webshareBody))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.ProxyToken = "token-123"
	p := newPool(t, cfg)
	p.apiURL = srv.URL

	proxy, err := p.Pick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, proxy)
	assert.Contains(t, []string{
		"http://u1:p1@1.2.3.4:8080/",
		"http://u3:p3@9.9.9.9:1080/",
	}, proxy.URL, "invalid entries must be filtered out")

	// The fetch window advanced, so the next pick serves the cache.
	_, err = p.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), requests.Load())
}

func TestWebshareCadence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(webshareBody))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.ProxyToken = "token-123"
	p := newPool(t, cfg)
	p.apiURL = srv.URL

	_, err := p.Pick(context.Background())
	require.NoError(t, err)

	_, next, err := p.coord.ProxyFetchMeta(context.Background())
	require.NoError(t, err)
	until := time.Until(next)
	assert.GreaterOrEqual(t, until, 14*time.Minute)
	assert.LessOrEqual(t, until, 61*time.Minute)
}

func TestWebshareRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detail": "request was throttled"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.ProxyToken = "token-123"
	p := newPool(t, cfg)
	p.apiURL = srv.URL

	// A previously fetched pool keeps serving while throttled.
	require.NoError(t, p.coord.SetProxyList(context.Background(), []byte(`[{"url":"http://u:p@1.1.1.1:80/"}]`)))

	proxy, err := p.Pick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, proxy)
	assert.Equal(t, "http://u:p@1.1.1.1:80/", proxy.URL)

	_, next, err := p.coord.ProxyFetchMeta(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, time.Until(next), 61*time.Second, "throttling must shorten the retry window")
}

func TestWebshareEmptyPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.ProxyToken = "token-123"
	p := newPool(t, cfg)
	p.apiURL = srv.URL

	_, err := p.Pick(context.Background())
	assert.ErrorIs(t, err, ErrNoProxies)
}

func TestFreshCacheSkipsFetch(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.ProxyToken = "token-123"
	p := newPool(t, cfg)
	p.apiURL = srv.URL

	now := time.Now()
	require.NoError(t, p.coord.SetProxyFetchMeta(context.Background(), now, now.Add(30*time.Minute)))
	require.NoError(t, p.coord.SetProxyList(context.Background(), []byte(`[{"url":"http://u:p@1.1.1.1:80/"}]`)))

	proxy, err := p.Pick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, proxy)
	assert.Equal(t, int32(0), requests.Load(), "a fresh cache must not hit the API")
}
