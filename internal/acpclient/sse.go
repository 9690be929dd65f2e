package acpclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/logger"
)

// SSETransport implements the §4.2 "SSE transport variant": the agent is
// reached over HTTP instead of a local stdio pipe. Inbound JSON-RPC
// frames arrive as Server-Sent-Events on a long-lived GET stream;
// outbound frames are sent as individual POSTs against the same base URL.
//
// It satisfies io.Reader (for the inbound half, fed to
// acp.NewClientSideConnection as stdout) and io.Writer (for the outbound
// half, serving as stdin), so a *Bridge can be built over it exactly like
// the stdio case via NewStdioBridge.
type SSETransport struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger

	heartbeat     time.Duration
	backoffBase   time.Duration
	backoffMax    time.Duration
	maxPostRetry  int

	mu       sync.Mutex
	pr       *io.PipeReader
	pw       *io.PipeWriter
	cancel   context.CancelFunc
	closedCh chan struct{}
	closed   bool
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

func WithHeartbeat(d time.Duration) SSEOption {
	return func(t *SSETransport) { t.heartbeat = d }
}

func WithBackoff(base, max time.Duration) SSEOption {
	return func(t *SSETransport) { t.backoffBase, t.backoffMax = base, max }
}

func WithHTTPClient(c *http.Client) SSEOption {
	return func(t *SSETransport) { t.client = c }
}

// NewSSETransport dials baseURL and starts the background reconnect loop.
// baseURL is expected to accept GET for the event stream and POST for
// outbound JSON-RPC frames, per AgentConfig.SSEURLTemplate.
func NewSSETransport(ctx context.Context, baseURL string, opts ...SSEOption) *SSETransport {
	t := &SSETransport{
		baseURL:      baseURL,
		client:       &http.Client{},
		log:          logger.Default(),
		heartbeat:    30 * time.Second,
		backoffBase:  1 * time.Second,
		backoffMax:   30 * time.Second,
		maxPostRetry: 3,
		closedCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.pr, t.pw = io.Pipe()

	go t.readLoop(runCtx)
	return t
}

// Read implements io.Reader, yielding decoded SSE `data:` payloads
// (newline-delimited JSON-RPC frames) to the ACP connection.
func (t *SSETransport) Read(p []byte) (int, error) {
	return t.pr.Read(p)
}

// Write implements io.Writer: each call POSTs one JSON-RPC frame to the
// agent endpoint, making at most maxPostRetry attempts in total when
// failures are transient.
func (t *SSETransport) Write(p []byte) (int, error) {
	body := make([]byte, len(p))
	copy(body, p)

	var lastErr error
	for attempt := 0; attempt < t.maxPostRetry; attempt++ {
		if attempt > 0 {
			time.Sleep(t.backoff(attempt))
		}
		req, err := http.NewRequest(http.MethodPost, t.baseURL, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("sse transport: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("sse transport: server status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return 0, fmt.Errorf("sse transport: client status %d", resp.StatusCode)
		}
		return len(p), nil
	}
	return 0, fmt.Errorf("sse transport: post failed after %d attempts: %w", t.maxPostRetry, lastErr)
}

func (t *SSETransport) backoff(attempt int) time.Duration {
	d := time.Duration(float64(t.backoffBase) * math.Pow(2, float64(attempt-1)))
	if d > t.backoffMax {
		d = t.backoffMax
	}
	return d
}

// readLoop maintains the GET event stream, reconnecting with exponential
// backoff on any failure or on heartbeat silence, until the context is
// cancelled.
func (t *SSETransport) readLoop(ctx context.Context) {
	defer t.pw.Close()
	defer close(t.closedCh)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.streamOnce(ctx); err != nil {
			attempt++
			t.log.Warn("sse stream interrupted, reconnecting", zap.Error(err), zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.backoff(attempt)):
			}
			continue
		}
		attempt = 0
	}
}

// streamOnce opens one GET connection and copies `data:` lines into the
// pipe until the stream ends, errors, or goes heartbeat-silent.
func (t *SSETransport) streamOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	lines := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		}
	}()

	watchdog := time.NewTimer(t.heartbeat)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line, ok := <-lines:
			if !ok {
				return fmt.Errorf("stream closed by peer")
			}
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(t.heartbeat)

			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}
			data, found := strings.CutPrefix(line, "data:")
			if !found {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if _, err := t.pw.Write([]byte(data + "\n")); err != nil {
				return fmt.Errorf("pipe write: %w", err)
			}
		case <-watchdog.C:
			return fmt.Errorf("heartbeat timeout after %s", t.heartbeat)
		}
	}
}

// Close stops the reconnect loop and releases the underlying pipe.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	<-t.closedCh
	return nil
}

var _ io.Reader = (*SSETransport)(nil)
var _ io.Writer = (*SSETransport)(nil)
