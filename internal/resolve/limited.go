package resolve

import (
	"context"
	"fmt"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/ratelimit"
)

// Limited wraps a provider so every call first takes a slot from the shared
// egress limiter. The wait counts against the caller's context.
func Limited(p Provider, e *ratelimit.Egress) Provider {
	return &limitedProvider{p: p, e: e}
}

type limitedProvider struct {
	p Provider
	e *ratelimit.Egress
}

func (l *limitedProvider) Name() string { return l.p.Name() }

func (l *limitedProvider) Resolve(ctx context.Context, videoID string, proxy *proxies.Proxy) (PlaybackURL, error) {
	if err := l.e.Wait(ctx); err != nil {
		return PlaybackURL{}, fmt.Errorf("egress limit: %w", err)
	}
	return l.p.Resolve(ctx, videoID, proxy)
}
