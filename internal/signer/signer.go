// Package signer talks to the external signing helper, a long-running
// process that tracks the upstream player and decrypts its obfuscated URL
// parameters. The wire protocol is binary and big-endian: requests are
//
//	opcode u8 | request id u32 | op-specific payload
//
// and responses are
//
//	request id u32 | size u32 | payload[size]
//
// The connection is stateful. Any transport or framing error poisons it and
// the next call reconnects before sending. A SafeError (input too long,
// decryption refused) leaves the connection usable.
package signer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
)

const (
	opForceUpdate        = 0x00
	opDecryptNSig        = 0x01
	opDecryptSig         = 0x02
	opSignatureTimestamp = 0x03
	opPlayerStatus       = 0x04
	opPlayerUpdateAge    = 0x05
)

const (
	// maxParam is the largest decrypt input the u16 length prefix can carry.
	maxParam = 1<<16 - 1
	// maxFrame rejects garbage size fields before we allocate for them.
	maxFrame = 1 << 20

	dialTimeout = 5 * time.Second
	opTimeout   = 10 * time.Second
)

// UpdateResult is the helper's answer to a forced player update.
type UpdateResult int

const (
	UpdateApplied UpdateResult = iota
	UpdateNotNeeded
	UpdateFailed
	UpdateUnknown
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateApplied:
		return "applied"
	case UpdateNotNeeded:
		return "not-needed"
	case UpdateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PlayerInfo reports which player the helper currently holds.
type PlayerInfo struct {
	HasPlayer bool
	PlayerID  uint32
}

// SafeError is a per-request failure that does not poison the connection.
type SafeError struct {
	Op     string
	Reason string
}

func (e *SafeError) Error() string {
	return e.Op + ": " + e.Reason
}

// IsSafe reports whether err left the helper connection usable.
func IsSafe(err error) bool {
	var se *SafeError
	return errors.As(err, &se)
}

// Client is a connection to the signing helper. Calls are serialized; the
// protocol has no interleaving.
type Client struct {
	network string
	addr    string
	logger  zerolog.Logger

	mu     sync.Mutex
	conn   net.Conn
	nextID uint32
	dirty  bool
}

// New prepares a client from the helper section of the config. It does not
// dial; the first call does. The service must come up even when the helper
// is still starting.
func New(cfg config.NsigHelperSection, logger zerolog.Logger) (*Client, error) {
	network, addr := "tcp", cfg.TCP
	if cfg.Unix != "" {
		network, addr = "unix", cfg.Unix
	}
	if addr == "" {
		return nil, errors.New("no signing helper address configured")
	}
	return &Client{
		network: network,
		addr:    addr,
		logger:  logger.With().Str("component", "signer").Logger(),
		dirty:   true,
	}, nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ForceUpdate asks the helper to fetch a fresh player now.
func (c *Client) ForceUpdate(ctx context.Context) (_ UpdateResult, err error) {
	defer func() { record("force_update", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(ctx, opForceUpdate, nil)
	if err != nil {
		return UpdateUnknown, err
	}
	if len(resp) != 2 {
		return UpdateUnknown, c.poison(fmt.Errorf("force update: expected 2 byte status, got %d", len(resp)))
	}
	switch binary.BigEndian.Uint16(resp) {
	case 0xF44F:
		return UpdateApplied, nil
	case 0xFFFF:
		return UpdateNotNeeded, nil
	case 0x0000:
		return UpdateFailed, nil
	default:
		return UpdateUnknown, nil
	}
}

// DecryptNSig decrypts a throttling parameter.
func (c *Client) DecryptNSig(ctx context.Context, n string) (_ string, err error) {
	defer func() { record("decrypt_nsig", err) }()
	return c.decrypt(ctx, opDecryptNSig, "decrypt nsig", n)
}

// DecryptSig decrypts a signature cipher parameter.
func (c *Client) DecryptSig(ctx context.Context, s string) (_ string, err error) {
	defer func() { record("decrypt_sig", err) }()
	return c.decrypt(ctx, opDecryptSig, "decrypt sig", s)
}

func (c *Client) decrypt(ctx context.Context, opcode byte, op, value string) (string, error) {
	if len(value) > maxParam {
		return "", &SafeError{Op: op, Reason: fmt.Sprintf("input too long: %d bytes, max %d", len(value), maxParam)}
	}
	payload := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(value)), uint16(len(value)))
	payload = append(payload, value...)

	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(ctx, opcode, payload)
	if err != nil {
		return "", err
	}
	if len(resp) < 2 {
		return "", c.poison(fmt.Errorf("%s: response too short: %d bytes", op, len(resp)))
	}
	size := binary.BigEndian.Uint16(resp)
	if int(size) != len(resp)-2 {
		return "", c.poison(fmt.Errorf("%s: length prefix %d does not match %d payload bytes", op, size, len(resp)-2))
	}
	if size == 0 {
		return "", &SafeError{Op: op, Reason: "helper could not decrypt the parameter"}
	}
	return string(resp[2:]), nil
}

// SignatureTimestamp returns the current player's signature timestamp. ok is
// false when the helper has no player yet.
func (c *Client) SignatureTimestamp(ctx context.Context) (_ uint64, ok bool, err error) {
	defer func() { record("signature_timestamp", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(ctx, opSignatureTimestamp, nil)
	if err != nil {
		return 0, false, err
	}
	if len(resp) != 8 {
		return 0, false, c.poison(fmt.Errorf("signature timestamp: expected 8 bytes, got %d", len(resp)))
	}
	ts := binary.BigEndian.Uint64(resp)
	if ts == 0 {
		return 0, false, nil
	}
	return ts, true, nil
}

// PlayerStatus reports whether the helper holds a player and which one.
func (c *Client) PlayerStatus(ctx context.Context) (_ PlayerInfo, err error) {
	defer func() { record("player_status", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(ctx, opPlayerStatus, nil)
	if err != nil {
		return PlayerInfo{}, err
	}
	if len(resp) != 5 {
		return PlayerInfo{}, c.poison(fmt.Errorf("player status: expected 5 bytes, got %d", len(resp)))
	}
	info := PlayerInfo{HasPlayer: resp[0] != 0}
	if info.HasPlayer {
		info.PlayerID = binary.BigEndian.Uint32(resp[1:])
	}
	return info, nil
}

// PlayerUpdateAge returns how long ago the helper last updated its player.
func (c *Client) PlayerUpdateAge(ctx context.Context) (_ time.Duration, err error) {
	defer func() { record("player_update_age", err) }()
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.roundTrip(ctx, opPlayerUpdateAge, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) != 8 {
		return 0, c.poison(fmt.Errorf("player update age: expected 8 bytes, got %d", len(resp)))
	}
	secs := binary.BigEndian.Uint64(resp)
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64), nil
	}
	return time.Duration(secs) * time.Second, nil
}

// roundTrip sends one request and reads its response payload. Callers hold
// c.mu. A nil return with nil error means the response carried no payload.
func (c *Client) roundTrip(ctx context.Context, opcode byte, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.dirty || c.conn == nil {
		if err := c.reconnect(ctx); err != nil {
			return nil, err
		}
	}

	rid := c.nextID
	c.nextID++

	req := make([]byte, 0, 5+len(payload))
	req = append(req, opcode)
	req = binary.BigEndian.AppendUint32(req, rid)
	req = append(req, payload...)

	deadline := time.Now().Add(opTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, c.poison(fmt.Errorf("set deadline: %w", err))
	}

	if _, err := c.conn.Write(req); err != nil {
		return nil, c.poison(fmt.Errorf("send request: %w", err))
	}

	var header [8]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, c.poison(fmt.Errorf("read response header: %w", err))
	}
	gotID := binary.BigEndian.Uint32(header[:4])
	size := binary.BigEndian.Uint32(header[4:])
	if gotID != rid {
		return nil, c.poison(fmt.Errorf("response for request %d, expected %d", gotID, rid))
	}
	if size == 0 {
		return nil, nil
	}
	if size > maxFrame {
		return nil, c.poison(fmt.Errorf("oversized response frame: %d bytes", size))
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, c.poison(fmt.Errorf("read response payload: %w", err))
	}
	return buf, nil
}

func (c *Client) reconnect(ctx context.Context) error {
	if c.conn != nil {
		c.logger.Warn().
			Str("event", "signer.reconnect").
			Msg("connection errored, reconnecting")
		_ = c.conn.Close()
		c.conn = nil
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return fmt.Errorf("dial signing helper at %s: %w", c.addr, err)
	}
	c.conn = conn
	c.dirty = false
	c.logger.Debug().
		Str("event", "signer.connected").
		Str("addr", c.addr).
		Msg("signing helper connected")
	return nil
}

// poison flags the connection for a reconnect on the next call.
func (c *Client) poison(err error) error {
	c.dirty = true
	return err
}

func record(op string, err error) {
	switch {
	case err == nil:
		metrics.RecordSignerRequest(op, "ok")
	case IsSafe(err):
		metrics.RecordSignerRequest(op, "rejected")
	default:
		metrics.RecordSignerRequest(op, "error")
	}
}
