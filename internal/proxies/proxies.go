// Package proxies picks the upstream proxy for resolver and extractor calls.
//
// Two modes, decided by configuration: a static list pinned in the config
// file, or a Webshare account token. With a token the pool is fetched from
// the Webshare API on a randomized cadence and shared with the other
// processes through the coordination store, so one fetch serves the whole
// deployment.
package proxies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
)

const webshareURL = "https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=100&ordering=-valid"

// ErrNoProxies means a token is configured but the fetched pool is empty.
// Without a token an empty pool is not an error; requests go direct.
var ErrNoProxies = errors.New("no proxies available")

// Proxy is one usable upstream proxy.
type Proxy struct {
	URL         string `json:"url"`
	CountryCode string `json:"country_code,omitempty"`
}

// Pool serves random proxies from whichever source is configured.
type Pool struct {
	static []Proxy
	token  string

	coord  *coord.Client
	client *http.Client
	logger zerolog.Logger
	apiURL string
	sf     singleflight.Group
}

// New builds the pool from the proxy section of the config.
func New(cfg *config.Config, coordClient *coord.Client, logger zerolog.Logger) *Pool {
	static := make([]Proxy, 0, len(cfg.ProxyURLs))
	for _, p := range cfg.ProxyURLs {
		static = append(static, Proxy{URL: p.URL, CountryCode: p.CountryCode})
	}
	return &Pool{
		static: static,
		token:  cfg.ProxyToken,
		coord:  coordClient,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "proxies").Logger(),
		apiURL: webshareURL,
	}
}

// Pick returns a random proxy, or nil when none is configured and requests
// should go direct.
func (p *Pool) Pick(ctx context.Context) (*Proxy, error) {
	if p.token == "" {
		if len(p.static) == 0 {
			return nil, nil
		}
		pick := p.static[rand.Intn(len(p.static))]
		return &pick, nil
	}

	list, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNoProxies
	}
	pick := list[rand.Intn(len(list))]
	return &pick, nil
}

// current returns the shared pool, refreshing it first when the cadence says
// a fetch is due. A failed refresh falls back to the cached list; the fetch
// window was already advanced, so the next caller will not retry immediately.
func (p *Pool) current(ctx context.Context) ([]Proxy, error) {
	due, err := p.refreshDue(ctx)
	if err != nil {
		return nil, err
	}
	if due {
		if _, err, _ := p.sf.Do("refresh", func() (any, error) {
			return nil, p.refresh(ctx)
		}); err != nil {
			metrics.ProxyRefreshTotal.WithLabelValues("error").Inc()
			p.logger.Warn().
				Err(err).
				Str("event", "proxies.refresh_failed").
				Msg("proxy refresh failed, serving cached pool")
		}
	}

	raw, ok, err := p.coord.ProxyList(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var list []Proxy
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode cached proxy list: %w", err)
	}
	return list, nil
}

func (p *Pool) refreshDue(ctx context.Context) (bool, error) {
	_, next, err := p.coord.ProxyFetchMeta(ctx)
	if err != nil {
		return false, err
	}
	return next.IsZero() || time.Now().After(next), nil
}

func (p *Pool) refresh(ctx context.Context) error {
	// Advance the window before fetching so concurrent processes do not
	// stampede the API.
	now := time.Now()
	if err := p.coord.SetProxyFetchMeta(ctx, now, now.Add(refreshPeriod())); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch proxy list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var payload struct {
		Results *[]webshareProxy `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode proxy list: %w", err)
	}
	if payload.Results == nil {
		// Rate limited. Try again in a minute instead of waiting out the
		// full window.
		metrics.ProxyRefreshTotal.WithLabelValues("rate_limited").Inc()
		p.logger.Warn().
			Str("event", "proxies.rate_limited").
			Msg("proxy list response had no results, backing off")
		return p.coord.SetProxyFetchMeta(ctx, now, now.Add(time.Minute))
	}

	list := make([]Proxy, 0, len(*payload.Results))
	for _, w := range *payload.Results {
		if !w.Valid {
			continue
		}
		list = append(list, Proxy{URL: w.proxyURL(), CountryCode: w.CountryCode})
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := p.coord.SetProxyList(ctx, raw); err != nil {
		return err
	}

	metrics.ProxyRefreshTotal.WithLabelValues("ok").Inc()
	metrics.ProxyPoolSize.Set(float64(len(list)))
	p.logger.Info().
		Str("event", "proxies.refreshed").
		Int("proxies", len(list)).
		Msg("proxy pool refreshed")
	return nil
}

// refreshPeriod randomizes the fetch cadence between 15 and 60 minutes so
// deployments do not sync up against the API.
func refreshPeriod() time.Duration {
	return time.Duration(15+rand.Intn(46)) * time.Minute
}

type webshareProxy struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	Valid        bool   `json:"valid"`
	CountryCode  string `json:"country_code"`
}

func (w webshareProxy) proxyURL() string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(w.Username, w.Password),
		Host:   fmt.Sprintf("%s:%d", w.ProxyAddress, w.Port),
		Path:   "/",
	}
	return u.String()
}
