package innertube

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/resolve"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/signer"
)

type stubSigner struct {
	age    time.Duration
	ageErr error

	sts    uint64
	hasSts bool

	forceCalls int

	sigOut    string
	sigErr    error
	lastSigIn string

	nsigOut    string
	nsigErr    error
	lastNsigIn string
}

func (s *stubSigner) PlayerUpdateAge(context.Context) (time.Duration, error) {
	return s.age, s.ageErr
}

func (s *stubSigner) ForceUpdate(context.Context) (signer.UpdateResult, error) {
	s.forceCalls++
	return signer.UpdateApplied, nil
}

func (s *stubSigner) SignatureTimestamp(context.Context) (uint64, bool, error) {
	return s.sts, s.hasSts, nil
}

func (s *stubSigner) DecryptSig(_ context.Context, in string) (string, error) {
	s.lastSigIn = in
	return s.sigOut, s.sigErr
}

func (s *stubSigner) DecryptNSig(_ context.Context, in string) (string, error) {
	s.lastNsigIn = in
	if s.nsigErr != nil {
		return "", s.nsigErr
	}
	return s.nsigOut, nil
}

func newProvider(t *testing.T, endpoint string, sign Signer) *Provider {
	t.Helper()
	cfg := &config.Config{}
	cfg.DefaultMaxHeight = 720
	cfg.MaxPlayerAge = 12 * time.Hour
	p := New(cfg, sign, zerolog.Nop())
	p.endpoint = endpoint
	return p
}

func playerJSON(status, reason string, isLive bool, formats ...string) string {
	body := `{
		"playabilityStatus": {"status": "` + status + `", "reason": "` + reason + `"},
		"streamingData": {"adaptiveFormats": [`
	for i, f := range formats {
		if i > 0 {
			body += ","
		}
		body += f
	}
	body += `]},
		"videoDetails": {"isLive": ` + map[bool]string{true: "true", false: "false"}[isLive] + `}
	}`
	return body
}

func TestResolveSelectsTallestFittingFormat(t *testing.T) {
	var gotReq playerRequest
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn/1080", "mimeType": "video/mp4", "height": 1080, "fps": 30}`,
			`{"url": "https://cdn/720", "mimeType": "video/webm", "height": 720, "fps": 24}`,
			`{"url": "https://cdn/360", "mimeType": "video/mp4", "height": 360, "fps": 30}`,
			`{"url": "https://cdn/audio", "mimeType": "audio/mp4", "height": 0}`,
		)))
	}))
	defer srv.Close()

	sign := &stubSigner{sts: 19834, hasSts: true}
	p := newProvider(t, srv.URL, sign)

	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/720", pb.URL)
	assert.InDelta(t, 24.0, pb.FPS, 1e-9)
	assert.False(t, pb.IsLive)

	assert.Equal(t, "jNQXAC9IVRw", gotReq.VideoID)
	assert.Equal(t, "8AEB", gotReq.Params)
	assert.True(t, gotReq.ContentCheckOk)
	assert.True(t, gotReq.RacyCheckOk)
	assert.Equal(t, "ANDROID", gotReq.Context.Client.ClientName)
	assert.Equal(t, clientVersion, gotReq.Context.Client.ClientVersion)
	assert.Equal(t, uint64(19834), gotReq.PlaybackContext.ContentPlaybackContext.SignatureTimestamp)

	assert.Equal(t, clientName, gotHeaders.Get("X-Youtube-Client-Name"))
	assert.Equal(t, userAgent, gotHeaders.Get("User-Agent"))
	assert.Equal(t, "https://www.youtube.com", gotHeaders.Get("Origin"))
}

func TestResolveFallsBackToShortest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn/1440", "mimeType": "video/mp4", "height": 1440}`,
			`{"url": "https://cdn/1080", "mimeType": "video/mp4", "height": 1080}`,
		)))
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, &stubSigner{})
	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/1080", pb.URL)
	assert.InDelta(t, float64(defaultFPS), pb.FPS, 1e-9, "missing fps falls back to the default")
}

func TestLoginRequiredIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("LOGIN_REQUIRED", "Sign in to confirm your age", false)))
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, &stubSigner{})
	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	assert.ErrorIs(t, err, resolve.ErrLoginRequired)
	assert.True(t, resolve.Terminal(err))
}

func TestUnplayableIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("ERROR", "Video unavailable", false)))
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, &stubSigner{})
	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	assert.ErrorIs(t, err, resolve.ErrUnplayable)
	assert.ErrorContains(t, err, "Video unavailable")
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, &stubSigner{})
	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.Error(t, err)
	assert.False(t, resolve.Terminal(err), "HTTP failures must fall through to the next provider")
}

func TestCipheredFormat(t *testing.T) {
	// Percent-encoding leaves nothing that needs JSON escaping.
	cipher := url.Values{
		"s":   {"ENCRYPTED"},
		"sp":  {"sig"},
		"url": {"https://cdn.example/video?x=1"},
	}.Encode()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := `{"mimeType": "video/mp4", "height": 360, "signatureCipher": "` + cipher + `"}`
		_, _ = w.Write([]byte(playerJSON("OK", "", false, f)))
	}))
	defer srv.Close()

	sign := &stubSigner{sigOut: "DECRYPTED"}
	p := newProvider(t, srv.URL, sign)

	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, "ENCRYPTED", sign.lastSigIn)

	u, err := url.Parse(pb.URL)
	require.NoError(t, err)
	assert.Equal(t, "cdn.example", u.Host)
	assert.Equal(t, "DECRYPTED", u.Query().Get("sig"))
	assert.Equal(t, "1", u.Query().Get("x"))
}

func TestNParameterReplaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn.example/video?n=enc123&y=2", "mimeType": "video/mp4", "height": 360}`,
		)))
	}))
	defer srv.Close()

	sign := &stubSigner{nsigOut: "dec456"}
	p := newProvider(t, srv.URL, sign)

	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, "enc123", sign.lastNsigIn)

	u, err := url.Parse(pb.URL)
	require.NoError(t, err)
	assert.Equal(t, "dec456", u.Query().Get("n"))
	assert.Equal(t, "2", u.Query().Get("y"))
}

func TestNParameterFailureIsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn.example/video?n=enc123", "mimeType": "video/mp4", "height": 360}`,
		)))
	}))
	defer srv.Close()

	sign := &stubSigner{nsigErr: &signer.SafeError{Op: "decrypt nsig", Reason: "helper could not decrypt the parameter"}}
	p := newProvider(t, srv.URL, sign)

	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err, "a failed nsig decryption only slows the download")

	u, err := url.Parse(pb.URL)
	require.NoError(t, err)
	assert.Equal(t, "enc123", u.Query().Get("n"))
}

func TestStalePlayerForcesUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn/360", "mimeType": "video/mp4", "height": 360}`,
		)))
	}))
	defer srv.Close()

	sign := &stubSigner{age: 13 * time.Hour}
	p := newProvider(t, srv.URL, sign)

	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sign.forceCalls)

	// The limiter swallows a second update within the throttle window.
	_, err = p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sign.forceCalls)
}

func TestFreshPlayerSkipsUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn/360", "mimeType": "video/mp4", "height": 360}`,
		)))
	}))
	defer srv.Close()

	sign := &stubSigner{age: time.Hour}
	p := newProvider(t, srv.URL, sign)

	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sign.forceCalls)
}

func TestAudioOnlyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(playerJSON("OK", "", false,
			`{"url": "https://cdn/audio", "mimeType": "audio/mp4", "height": 0}`,
		)))
	}))
	defer srv.Close()

	p := newProvider(t, srv.URL, &stubSigner{})
	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.Error(t, err)
	assert.False(t, resolve.Terminal(err))
}

func TestRequestGoesThroughProxy(t *testing.T) {
	var proxied bool
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An HTTP proxy receives the absolute form of the original URL.
		if r.URL.IsAbs() && r.URL.Host == "player.invalid" {
			proxied = true
		}
		_, _ = w.Write([]byte(playerJSON("OK", "", true,
			`{"url": "https://cdn/360", "mimeType": "video/mp4", "height": 360}`,
		)))
	}))
	defer proxy.Close()

	p := newProvider(t, "http://player.invalid/youtubei/v1/player", &stubSigner{})
	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", &proxies.Proxy{URL: proxy.URL})
	require.NoError(t, err)
	assert.True(t, proxied, "the request must be routed through the proxy")
	assert.True(t, pb.IsLive)
}
