// Package eldir announces a proxy to an EchoLink proxy directory.
package eldir

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Client periodically reports the proxy's status to a directory over HTTP
// form posts. It re-announces every Interval and immediately whenever the
// occupancy changes, and posts a final Off status when stopped. Failures are
// logged and retried on the next announcement; they never reach the proxy
// core.
type Client struct {
	// URL is the directory registration endpoint.
	URL string

	// Name and Comment describe the proxy in the directory listing.
	Name    string
	Comment string

	// PublicAddr is the host[:port] clients should connect to.
	PublicAddr string

	// Interval between periodic announcements. Defaults to 10m.
	Interval time.Duration

	Logger zerolog.Logger

	// HTTPClient overrides the client used for posts.
	HTTPClient *http.Client

	mu    sync.Mutex
	used  int
	total int
	kick  chan struct{}

	metrics struct {
		posts struct {
			ok, err atomic.Uint64
		}
	}
}

// Update records the current slot occupancy and triggers an immediate
// announcement. It never blocks.
func (c *Client) Update(used, total int) {
	c.mu.Lock()
	c.used, c.total = used, total
	kick := c.kick
	c.mu.Unlock()
	if kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// Refresh triggers an immediate re-announcement with the last recorded
// occupancy.
func (c *Client) Refresh() {
	c.mu.Lock()
	kick := c.kick
	c.mu.Unlock()
	if kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// Run announces until ctx is canceled, then posts a final Off status and
// returns ctx's error.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	c.kick = make(chan struct{}, 1)
	c.mu.Unlock()

	iv := c.Interval
	if iv <= 0 {
		iv = 10 * time.Minute
	}
	t := time.NewTicker(iv)
	defer t.Stop()

	c.announce(ctx, false)
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.announce(sctx, true)
			cancel()
			return ctx.Err()
		case <-t.C:
		case <-c.kick:
		}
		c.announce(ctx, false)
	}
}

func (c *Client) announce(ctx context.Context, off bool) {
	c.mu.Lock()
	used, total := c.used, c.total
	c.mu.Unlock()

	status := "Ready"
	switch {
	case off || total == 0:
		status = "Off"
	case used >= total:
		status = "Busy"
	}

	v := url.Values{
		"name":        {c.Name},
		"comment":     {c.Comment},
		"public_addr": {c.PublicAddr},
		"status":      {status},
		"slots_used":  {strconv.Itoa(used)},
		"slots_total": {strconv.Itoa(total)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, strings.NewReader(v.Encode()))
	if err != nil {
		c.metrics.posts.err.Add(1)
		c.Logger.Err(err).Msg("build registration request")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		c.metrics.posts.err.Add(1)
		c.Logger.Warn().Err(err).Msg("registration post failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.metrics.posts.err.Add(1)
		c.Logger.Warn().Int("status", resp.StatusCode).Msg("registration post rejected")
		return
	}
	c.metrics.posts.ok.Add(1)
	c.Logger.Debug().Str("status", status).Int("used", used).Int("total", total).Msg("announced to directory")
}

// WritePrometheus writes prometheus text metrics to w.
func (c *Client) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `elproxy_registration_posts_total{result="ok"}`, c.metrics.posts.ok.Load())
	fmt.Fprintln(w, `elproxy_registration_posts_total{result="error"}`, c.metrics.posts.err.Load())
}
