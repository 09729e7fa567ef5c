// Package remote implements an archive gateway that fetches history from
// another wave server over its GETSCNLRAW command.
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"waveserver/archive"
	"waveserver/channel"
	"waveserver/wire"
)

// ErrRemote reports an ERROR line from the remote server.
var ErrRemote = errors.New("remote: server error")

const defaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	Address string
	// Timeout bounds dialing and each request/response exchange.
	Timeout time.Duration
}

// Client keeps one connection to the remote server and redials it after any
// failure. Requests are serialized on that connection.
type Client struct {
	opts Options
	pool *archive.BlockPool

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	seq    uint64
}

// NewClient returns a client that copies answers into blocks from pool.
func NewClient(opts Options, pool *archive.BlockPool) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Client{opts: opts, pool: pool}
}

// Query implements archive.Gateway. A classified no-data answer (FR, FL, FG,
// FN) is returned as no blocks and no error.
func (c *Client) Query(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) ([]*archive.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trace, err := c.exchange(ctx, ch, start, dur)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	if trace == nil || len(trace.Samples) == 0 {
		return nil, nil
	}
	return c.pool.Fill(ctx, ch, trace.Start, trace.Rate, trace.Samples)
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn, c.reader = nil, nil
	}
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return fmt.Errorf("remote: dial %s: %w", c.opts.Address, err)
	}
	log.Printf("remote: connected to %s", c.opts.Address)
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) exchange(ctx context.Context, ch channel.ID, start time.Time, dur time.Duration) (*wire.Trace, error) {
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.seq++
	id := strconv.FormatUint(c.seq, 10)
	req := fmt.Sprintf("GETSCNLRAW %s %s %s %s %s %s %s\n", id,
		ch.Station, ch.Channel, ch.Network, ch.WireLocation(),
		wire.FormatTime(start), wire.FormatTime(start.Add(dur)))
	if _, err := c.conn.Write([]byte(req)); err != nil {
		return nil, c.ioError(ctx, "write", err)
	}

	head, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, c.ioError(ctx, "read header", err)
	}
	trace, err := parseResponse(id, head, c.reader)
	if err != nil {
		return nil, err
	}
	trailer, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, c.ioError(ctx, "read trailer", err)
	}
	if strings.TrimSpace(trailer) != id+" END" {
		return nil, fmt.Errorf("remote: unexpected trailer %q", strings.TrimSpace(trailer))
	}
	return trace, nil
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return fmt.Errorf("remote: %s %s: %w", op, c.opts.Address, err)
}

// parseResponse reads the answer whose header line is head. Only an F
// answer carries a payload, read from r.
func parseResponse(id, head string, r *bufio.Reader) (*wire.Trace, error) {
	fields := strings.Fields(head)
	if len(fields) == 0 || fields[0] != id {
		return nil, fmt.Errorf("remote: response for wrong request: %q", strings.TrimSpace(head))
	}
	if len(fields) > 1 && fields[1] == "ERROR" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, strings.Join(fields[2:], " "))
	}
	// id pin sta cha net loc code ...
	if len(fields) < 7 {
		return nil, fmt.Errorf("remote: short header %q", strings.TrimSpace(head))
	}
	switch fields[6] {
	case "F":
	case "FR", "FL", "FG", "FN":
		return nil, nil
	default:
		return nil, fmt.Errorf("remote: unknown classification %q", fields[6])
	}
	if len(fields) != 11 {
		return nil, fmt.Errorf("remote: malformed data header %q", strings.TrimSpace(head))
	}
	size, err := strconv.Atoi(fields[10])
	if err != nil || size < 0 {
		return nil, fmt.Errorf("remote: bad payload size %q", fields[10])
	}
	payload, err := wire.ReadPayload(r, size)
	if err != nil {
		return nil, err
	}
	trace, err := wire.DecodeTrace(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: decode: %w", err)
	}
	return &trace, nil
}
