// Package stream executes one backend exchange at a time and delivers the
// adapter's normalized events to the caller in arrival order.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/chatmd-dev/chatmd/internal/adapter"
	"github.com/chatmd-dev/chatmd/internal/chat"
	"github.com/chatmd-dev/chatmd/internal/schema"
)

var (
	// ErrBusy is returned when Begin is called while an exchange is
	// already in flight.
	ErrBusy = errors.New("stream: exchange already in flight")
	// ErrRateLimited is returned when submissions outpace the limiter.
	ErrRateLimited = errors.New("stream: rate limited")
)

// Consecutive malformed chunks tolerated before the stream is abandoned as a
// transport failure.
const maxDecodeFailures = 5

// OnChunk receives one normalized event, in network-arrival order, on a
// single delivery goroutine. The handle identifies the exchange the event
// belongs to. A terminal transport failure arrives as a nil event with a
// non-nil error.
type OnChunk func(h *Handle, ev *adapter.Event, err error)

// OnDone fires exactly once after the exchange terminates for any reason,
// and only after all buffered chunks have been delivered.
type OnDone func(h *Handle)

// Handle identifies one in-flight exchange. The session recognizes late
// events by handle identity after cancellation.
type Handle struct {
	id     string
	cancel context.CancelFunc

	mu   sync.Mutex
	full bytes.Buffer
}

// ID returns the unique exchange identifier.
func (h *Handle) ID() string {
	return h.id
}

// Cancel requests best-effort termination of the underlying exchange. OnDone
// still fires afterwards; the caller must not assume silence.
func (h *Handle) Cancel() {
	h.cancel()
}

// Full returns the raw response bytes accumulated so far. Valid for the
// end-of-stream accounting pass once OnDone has fired.
func (h *Handle) Full() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.full.Bytes()
}

func (h *Handle) collect(raw []byte) {
	h.mu.Lock()
	h.full.Write(raw)
	h.mu.Unlock()
}

// Client owns at most one in-flight network exchange.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter

	mu     sync.Mutex
	active *Handle
}

// Options configures a Client. Zero value gets the defaults.
type Options struct {
	// HTTPClient overrides the transport (tests inject httptest clients).
	HTTPClient *http.Client
	// RequestsPerMinute caps submission rate; 0 means the default of 30.
	RequestsPerMinute float64
}

// NewClient creates a stream client.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	rpm := opts.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rpm/60), int(rpm)),
	}
}

// delivery is one unit crossing from the I/O goroutine to the control side.
type delivery struct {
	ev  *adapter.Event
	err error
}

// Begin builds the backend request and starts the exchange. Events cross
// from the I/O goroutine into onChunk via a single delivery goroutine, so no
// two chunks are ever applied concurrently.
func (c *Client) Begin(ctx context.Context, ad adapter.Adapter, settings schema.Settings, msgs []chat.Message, onChunk OnChunk, onDone OnDone) (*Handle, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	if !c.limiter.Allow() {
		c.mu.Unlock()
		return nil, ErrRateLimited
	}

	req, err := ad.BuildRequest(settings, msgs)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{id: uuid.New().String(), cancel: cancel}
	c.active = handle
	c.mu.Unlock()

	events := make(chan delivery, 64)

	go c.exchange(ctx, ad, req, handle, events)

	go func() {
		for d := range events {
			onChunk(handle, d.ev, d.err)
		}
		// The exchange only stops owning the client slot after the caller's
		// completion hook has run; a new Begin cannot interleave with settling.
		onDone(handle)
		c.mu.Lock()
		if c.active == handle {
			c.active = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	return handle, nil
}

// Active reports whether an exchange is currently in flight.
func (c *Client) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// exchange runs the network I/O and closes events when the exchange
// terminates.
func (c *Client) exchange(ctx context.Context, ad adapter.Adapter, req *adapter.Request, handle *Handle, events chan<- delivery) {
	defer close(events)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		events <- delivery{err: fmt.Errorf("stream: %w", err)}
		return
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			events <- delivery{err: fmt.Errorf("stream: %w", err)}
		}
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		events <- delivery{err: fmt.Errorf("stream: %s returned %d: %s", ad.Info().Name, resp.StatusCode, bytes.TrimSpace(body))}
		return
	}

	decodeFailures := 0
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			raw := buf[:n]
			handle.collect(raw)
			if !c.drain(ad, raw, events, &decodeFailures) {
				return
			}
		}
		if readErr != nil {
			if readErr != io.EOF && ctx.Err() == nil {
				events <- delivery{err: fmt.Errorf("stream: %w", readErr)}
			}
			return
		}
	}
}

// drain feeds raw bytes to the adapter and forwards every decoded event.
// Returns false when the stream should be abandoned.
func (c *Client) drain(ad adapter.Adapter, raw []byte, events chan<- delivery, decodeFailures *int) bool {
	for {
		ev, err := ad.ParseChunk(raw)
		raw = nil
		if err != nil {
			var decodeErr *adapter.DecodeError
			if errors.As(err, &decodeErr) {
				// Malformed unit: log and keep going unless the backend
				// clearly cannot make progress anymore.
				log.Printf("stream: %v", decodeErr)
				*decodeFailures++
				if *decodeFailures >= maxDecodeFailures {
					events <- delivery{err: fmt.Errorf("stream: %d consecutive malformed chunks: %w", *decodeFailures, decodeErr)}
					return false
				}
				continue
			}
			events <- delivery{err: err}
			return false
		}
		if ev == nil {
			return true
		}
		*decodeFailures = 0
		events <- delivery{ev: ev}
	}
}
