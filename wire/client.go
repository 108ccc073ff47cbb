package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/musterhq/muster/backoff"
)

// CallError is a wire-level error returned by the server.
type CallError struct {
	Code       int
	Message    string
	LeaderID   string
	LeaderAddr string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wire: %s (code %d)", e.Message, e.Code)
}

// Client is a wire protocol client. It maintains one WebSocket
// connection and correlates responses to in-flight requests, so calls
// may be issued concurrently.
//
// Not-leader errors are retried transparently: when the error carries a
// leader address hint the client redials the hinted leader, otherwise
// it backs off and retries the same node until a leader emerges.
// Payloads are unchanged across retries, so idempotency keys make the
// redirected operation safe to re-drive.
type Client struct {
	codec        Codec
	logger       *slog.Logger
	retry        backoff.Strategy
	maxRedirects int

	mu     sync.Mutex
	url    string
	conn   net.Conn
	closed bool

	// writeMu serializes socket writes so concurrent calls cannot
	// interleave frames.
	writeMu sync.Mutex

	pending sync.Map // frame ID → chan *Frame
	wg      sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientCodec sets the wire codec. The server is told via the
// "codec" query parameter on dial.
func WithClientCodec(codec Codec) ClientOption {
	return func(c *Client) { c.codec = codec }
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRedirectRetry sets the backoff between not-leader retries and the
// maximum number of retries before giving up.
func WithRedirectRetry(strategy backoff.Strategy, maxRedirects int) ClientOption {
	return func(c *Client) {
		c.retry = strategy
		c.maxRedirects = maxRedirects
	}
}

// Dial connects to a wire server at url (e.g. "ws://host:port/wire").
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		codec:        &JSONCodec{},
		logger:       slog.Default(),
		retry:        backoff.NewExponential(100*time.Millisecond, 2*time.Second),
		maxRedirects: 5,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.connect(ctx, url); err != nil {
		return nil, err
	}
	return c, nil
}

// connect dials url and installs the connection, closing any previous
// one. The read loop for the old connection exits on its own.
func (c *Client) connect(ctx context.Context, url string) error {
	dialURL := url
	if c.codec.Name() != CodecNameJSON {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		dialURL = url + sep + "codec=" + c.codec.Name()
	}

	conn, _, _, err := ws.Dial(ctx, dialURL)
	if err != nil {
		return fmt.Errorf("wire: dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("wire: client closed")
	}
	old := c.conn
	c.conn = conn
	c.url = url
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	return nil
}

// Close shuts the client down. In-flight calls fail with a connection
// error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// readLoop consumes frames from one connection and resolves pending
// calls by correlation ID. It exits when the connection drops.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			return
		}

		frame, decErr := c.codec.Decode(data)
		if decErr != nil {
			c.logger.Warn("wire client received invalid frame", slog.String("error", decErr.Error()))
			continue
		}
		if frame.CorrelID == "" {
			continue
		}
		if val, ok := c.pending.LoadAndDelete(frame.CorrelID); ok {
			val.(chan *Frame) <- frame
		}
	}
}

// Call issues a request and decodes the response payload into out
// (which may be nil when the caller ignores the payload). Not-leader
// errors are retried per the client's redirect policy; all other error
// frames are returned as *CallError.
func (c *Client) Call(ctx context.Context, method string, req, out any) error {
	for attempt := 0; ; attempt++ {
		resp, err := c.roundTrip(ctx, method, req)
		if err != nil {
			return err
		}

		if resp.Type == FrameErr && resp.Error != nil {
			if resp.Error.Code == ErrCodeNotLeader && attempt < c.maxRedirects {
				if redirErr := c.followLeader(ctx, resp.Error, attempt); redirErr != nil {
					return redirErr
				}
				continue
			}
			return &CallError{
				Code:       resp.Error.Code,
				Message:    resp.Error.Message,
				LeaderID:   resp.Error.LeaderID,
				LeaderAddr: resp.Error.LeaderAddr,
			}
		}

		if out == nil || len(resp.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("wire: decode %s response: %w", method, err)
		}
		return nil
	}
}

// Ping round-trips a ping frame, verifying the connection is healthy.
func (c *Client) Ping(ctx context.Context) error {
	frame := &Frame{
		ID:        GenerateFrameID(),
		Type:      FramePing,
		Timestamp: time.Now().UTC(),
	}
	_, err := c.send(ctx, frame)
	return err
}

// followLeader redials the hinted leader, or backs off in place when no
// hint is available (election in progress).
func (c *Client) followLeader(ctx context.Context, detail *ErrorDetail, attempt int) error {
	delay := c.retry.Delay(attempt + 1)

	if detail.LeaderAddr != "" {
		target := detail.LeaderAddr
		if !strings.Contains(target, "://") {
			target = "ws://" + target + "/wire"
		}
		c.mu.Lock()
		current := c.url
		c.mu.Unlock()

		if target != current {
			c.logger.Debug("wire client following leader",
				slog.String("leader_id", detail.LeaderID),
				slog.String("url", target),
			)
			if err := c.connect(ctx, target); err != nil {
				return err
			}
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (c *Client) roundTrip(ctx context.Context, method string, req any) (*Frame, error) {
	frame, err := NewRequestFrame(GenerateFrameID(), method, req)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s request: %w", method, err)
	}
	return c.send(ctx, frame)
}

func (c *Client) send(ctx context.Context, frame *Frame) (*Frame, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("wire: not connected")
	}

	data, err := c.codec.Encode(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode frame: %w", err)
	}

	ch := make(chan *Frame, 1)
	c.pending.Store(frame.ID, ch)
	defer c.pending.Delete(frame.ID)

	op := ws.OpText
	if c.codec.Name() != CodecNameJSON {
		op = ws.OpBinary
	}
	c.writeMu.Lock()
	writeErr := wsutil.WriteClientMessage(conn, op, data)
	c.writeMu.Unlock()
	if writeErr != nil {
		return nil, fmt.Errorf("wire: write frame: %w", writeErr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
