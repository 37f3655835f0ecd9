package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/streamgate/streamgate/wire"
)

const (
	defaultMaxAttempts = 10
	defaultIdleTimeout = 45 * time.Second
)

// StreamConfig configures a ReconnectController.
type StreamConfig struct {
	BaseURL    string
	Token      string
	UserID     string
	ProjectID  string
	InstanceID string

	// LastEventID resumes from a known position; empty starts fresh.
	LastEventID string

	// HTTPClient must not set a Timeout; the stream is long-lived.
	HTTPClient  *http.Client
	Backoff     Backoff
	MaxAttempts int
	// IdleTimeout drops a connection that delivered nothing, not even a
	// heartbeat, for this long.
	IdleTimeout time.Duration

	OnEvent       func(*Event)
	OnResync      func()
	OnStateChange func(State)
	Log           logrus.FieldLogger
}

// outcome says why a connection ended.
type outcome int

const (
	outcomeFailed outcome = iota
	outcomeReplaced
	outcomeCapacity
	outcomeShutdown
	outcomeForced
)

// ReconnectController owns the stream transport. It parses frames, drops
// stale or foreign events, and reconnects with jittered exponential backoff,
// resuming from the last durable event it dispatched.
type ReconnectController struct {
	cfg     StreamConfig
	session string

	mu          sync.Mutex
	state       State
	lastSeq     int64
	lastEventID string
	attempt     int
	closeConn   context.CancelFunc
	forced      bool

	force chan struct{}
	stale atomic.Int64
}

// NewReconnectController validates cfg and creates a controller.
func NewReconnectController(cfg StreamConfig) (*ReconnectController, error) {
	if cfg.BaseURL == "" || cfg.UserID == "" || cfg.ProjectID == "" || cfg.InstanceID == "" {
		return nil, errors.New("stream config: base url, user, project and instance are required")
	}

	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Log == nil {
		cfg.Log = discardLogger()
	}

	c := &ReconnectController{
		cfg:     cfg,
		session: cfg.UserID + ":" + cfg.ProjectID,
		force:   make(chan struct{}, 1),
	}

	if seq, err := strconv.ParseInt(cfg.LastEventID, 10, 64); err == nil && seq > 0 {
		c.lastSeq = seq
		c.lastEventID = cfg.LastEventID
	}

	return c, nil
}

// State returns the current state.
func (c *ReconnectController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSequence returns the sequence of the last durable event dispatched.
func (c *ReconnectController) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// LastEventID returns the resumption token sent on the next connect.
func (c *ReconnectController) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// StaleDropped returns how many stale or duplicate events were dropped.
func (c *ReconnectController) StaleDropped() int64 { return c.stale.Load() }

// Reconnect closes the current transport and connects again immediately with
// the attempt counter reset.
func (c *ReconnectController) Reconnect() {
	c.mu.Lock()
	c.forced = true
	if c.closeConn != nil {
		c.closeConn()
	}
	c.mu.Unlock()

	select {
	case c.force <- struct{}{}:
	default:
	}
}

// Run connects and keeps the stream alive until ctx is cancelled. It returns
// nil on cancellation, ErrAttemptsExhausted once MaxAttempts consecutive
// attempts fail, or the *APIError of a request that retrying cannot fix.
func (c *ReconnectController) Run(ctx context.Context) error {
	for {
		out, err := c.connect(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			c.setState(StatePersistentError)
			return err
		}

		if out == outcomeForced {
			// The request was served by closing the transport.
			select {
			case <-c.force:
			default:
			}
		}

		delay, ok := c.nextDelay(out)
		if !ok {
			c.setState(StatePersistentError)
			c.cfg.Log.WithError(err).Error("stream reconnect attempts exhausted")

			if err == nil {
				return ErrAttemptsExhausted
			}
			return fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
		}
		if apiErr != nil && apiErr.RetryAfter > delay {
			delay = apiErr.RetryAfter
		}

		c.cfg.Log.WithFields(logrus.Fields{
			"delay":   delay.String(),
			"outcome": out,
		}).WithError(err).Debug("stream closed, reconnecting")

		if delay > 0 {
			c.setState(StateBackoff)
			if !c.wait(ctx, delay) {
				c.setState(StateClosed)
				return nil
			}
		}
	}
}

// nextDelay applies the reconnect policy for out and counts the attempt.
func (c *ReconnectController) nextDelay(out outcome) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch out {
	case outcomeReplaced, outcomeForced:
		// Replacement is not a failure.
		c.attempt = 0
		return 0, true
	case outcomeCapacity, outcomeShutdown:
		// Immediate reconnects here would ping-pong with other instances or
		// hit a draining server.
		c.attempt = 0
		return c.cfg.Backoff.Delay(0), true
	}

	if c.attempt >= c.cfg.MaxAttempts {
		return 0, false
	}

	d := c.cfg.Backoff.Delay(c.attempt)
	c.attempt++

	return d, true
}

// wait sleeps for d unless ctx ends or Reconnect is called.
func (c *ReconnectController) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.force:
		c.mu.Lock()
		c.attempt = 0
		c.forced = false
		c.mu.Unlock()
		return true
	case <-t.C:
		return true
	}
}

func (c *ReconnectController) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// connect opens one transport and reads it until it ends.
func (c *ReconnectController) connect(ctx context.Context) (outcome, error) {
	c.setState(StateConnecting)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.closeConn = cancel
	c.forced = false
	lastEventID := c.lastEventID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.closeConn = nil
		c.mu.Unlock()
	}()

	q := url.Values{}
	q.Set("project", c.cfg.ProjectID)
	q.Set("instance", c.cfg.InstanceID)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.cfg.BaseURL+"/api/v1/stream?"+q.Encode(), http.NoBody)
	if err != nil {
		return outcomeFailed, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return c.ended(outcomeFailed, fmt.Errorf("connect: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return outcomeFailed, readAPIError(resp)
	}

	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateOpen)

	idle := time.AfterFunc(c.cfg.IdleTimeout, cancel)
	defer idle.Stop()

	dec := wire.NewDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if err != nil {
			return c.ended(outcomeFailed, fmt.Errorf("read stream: %w", err))
		}

		idle.Reset(c.cfg.IdleTimeout)

		if out, done := c.handleFrame(f); done {
			return out, nil
		}
	}
}

// ended reports a forced reconnect as such rather than as a failure.
func (c *ReconnectController) ended(out outcome, err error) (outcome, error) {
	c.mu.Lock()
	forced := c.forced
	c.mu.Unlock()

	if forced {
		return outcomeForced, nil
	}

	return out, err
}

// controlBody is the data of a control frame.
type controlBody struct {
	Reason string `json:"reason"`
}

// handleFrame processes one frame. done reports that the server ended the
// connection deliberately.
func (c *ReconnectController) handleFrame(f *wire.Frame) (outcome, bool) {
	if f.Event == "" && len(f.Data) == 0 {
		// Retry hint or comment-only block.
		return outcomeFailed, false
	}

	env, err := wire.DecodeEnvelope(f)
	if err != nil {
		c.cfg.Log.WithError(err).Warn("dropping undecodable frame")
		return outcomeFailed, false
	}

	switch env.Type {
	case wire.EventHeartbeat:
		return outcomeFailed, false
	case wire.EventReplaced:
		var body controlBody
		_ = json.Unmarshal(f.Data, &body)

		c.cfg.Log.WithField("reason", body.Reason).Info("stream replaced by server")

		if body.Reason == "capacity" {
			return outcomeCapacity, true
		}
		return outcomeReplaced, true
	case wire.EventShutdown:
		return outcomeShutdown, true
	case wire.EventResyncRequired:
		c.resync()
		return outcomeFailed, false
	}

	if env.Session != c.session {
		c.cfg.Log.WithError(ErrSessionMismatch).WithField("event_session", env.Session).Warn("dropping event")
		return outcomeFailed, false
	}

	ev := &Event{Session: env.Session, Type: env.Type, Seq: env.Seq, ID: f.ID, Payload: env.Payload, TS: env.TS}

	if f.Durable() {
		c.mu.Lock()
		if env.Seq <= c.lastSeq {
			last := c.lastSeq
			c.mu.Unlock()

			c.stale.Add(1)
			c.cfg.Log.WithError(ErrStaleEvent).WithFields(logrus.Fields{"seq": env.Seq, "last": last}).Debug("dropping event")
			return outcomeFailed, false
		}
		c.lastSeq = env.Seq
		c.lastEventID = f.ID
		c.mu.Unlock()
	} else {
		ev.Seq = 0
	}

	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}

	return outcomeFailed, false
}

// resync clears the local position. The server has already switched the
// stream to live delivery, so the connection is kept.
func (c *ReconnectController) resync() {
	c.mu.Lock()
	c.lastSeq = 0
	c.lastEventID = ""
	c.mu.Unlock()

	c.cfg.Log.WithError(ErrResyncRequired).Warn("replay window exceeded")

	if c.cfg.OnResync != nil {
		c.cfg.OnResync()
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (o outcome) String() string {
	switch o {
	case outcomeReplaced:
		return "replaced"
	case outcomeCapacity:
		return "capacity"
	case outcomeShutdown:
		return "shutdown"
	case outcomeForced:
		return "forced"
	default:
		return "failed"
	}
}
