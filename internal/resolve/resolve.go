// Package resolve turns a video id into a direct playback URL by trying the
// configured providers in order.
package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
)

// PlaybackURL is a directly fetchable media URL for one video.
type PlaybackURL struct {
	URL    string
	FPS    float64
	IsLive bool
}

var (
	// ErrUnplayable means the upstream refuses to serve this video. Trying
	// another provider will not help.
	ErrUnplayable = errors.New("video is not playable")

	// ErrLoginRequired means the upstream demands credentials. Terminal for
	// the whole chain; this is a deployment problem, not a video problem.
	ErrLoginRequired = errors.New("upstream requires a login")

	// ErrAllProvidersFailed means every enabled provider failed transiently.
	ErrAllProvidersFailed = errors.New("all playback providers failed")
)

// Terminal reports whether err must stop the provider chain.
func Terminal(err error) bool {
	return errors.Is(err, ErrUnplayable) || errors.Is(err, ErrLoginRequired)
}

// Provider is one way of obtaining a playback URL.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, videoID string, proxy *proxies.Proxy) (PlaybackURL, error)
}

// Resolver runs the provider chain.
type Resolver struct {
	providers []Provider
	logger    zerolog.Logger
}

// New builds a resolver over the given providers, tried in argument order.
func New(logger zerolog.Logger, providers ...Provider) *Resolver {
	return &Resolver{
		providers: providers,
		logger:    logger.With().Str(log.FieldComponent, "resolve").Logger(),
	}
}

// Resolve returns the first provider success. Transient failures fall
// through to the next provider; terminal classifications stop the chain.
func (r *Resolver) Resolve(ctx context.Context, videoID string, proxy *proxies.Proxy) (PlaybackURL, error) {
	if len(r.providers) == 0 {
		return PlaybackURL{}, ErrAllProvidersFailed
	}

	var lastErr error
	for _, p := range r.providers {
		pb, err := p.Resolve(ctx, videoID, proxy)
		if err == nil {
			metrics.RecordResolver(p.Name(), "success")
			return pb, nil
		}
		metrics.RecordResolver(p.Name(), outcome(err))
		if Terminal(err) {
			r.logger.Warn().
				Err(err).
				Str(log.FieldEvent, "resolve.terminal").
				Str(log.FieldVideoID, videoID).
				Str(log.FieldProvider, p.Name()).
				Msg("provider reported the video as unavailable")
			return PlaybackURL{}, err
		}
		r.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "resolve.provider_failed").
			Str(log.FieldVideoID, videoID).
			Str(log.FieldProvider, p.Name()).
			Msg("provider failed, trying next")
		lastErr = err
	}
	return PlaybackURL{}, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrLoginRequired):
		return "login_required"
	case errors.Is(err, ErrUnplayable):
		return "unplayable"
	default:
		return "transient"
	}
}
