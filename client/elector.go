package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultHeartbeatInterval = 3 * time.Second
	defaultFollowerTimeout   = 10 * time.Second
)

// Bus message kinds.
const (
	kindHeartbeat = "heartbeat"
	kindResign    = "resign"
	kindEvent     = "event"
	kindResync    = "resync"
)

// busMessage is the JSON document exchanged between tabs.
type busMessage struct {
	Kind       string `json:"kind"`
	From       string `json:"from"`
	Generation int64  `json:"gen,omitempty"`
	Event      *Event `json:"event,omitempty"`
}

// ElectorConfig configures a LeaderElector.
type ElectorConfig struct {
	// Name scopes the election, normally to one user and project.
	Name  string
	TabID string

	// Locker is preferred; Leases is the fallback when Locker is nil.
	Locker Locker
	Leases LeaseStore
	Bus    Bus

	HeartbeatInterval time.Duration
	FollowerTimeout   time.Duration

	// Lead runs while this tab is leader and must return promptly once ctx
	// is cancelled. It owns the transport.
	Lead func(ctx context.Context) error

	OnRoleChange func(Role)
	Log          logrus.FieldLogger
}

// leadership is the state held while leader.
type leadership struct {
	cancel  context.CancelFunc
	done    chan error
	release func()
}

// acquisition is the result of a contended Acquire.
type acquisition struct {
	release func()
	err     error
}

// contention is a blocking Acquire in flight.
type contention struct {
	cancel context.CancelFunc
	result chan acquisition
}

// LeaderElector decides which tab of a browser instance holds the transport.
// Every role transition happens on the goroutine running Run, and leadership
// is only ever taken through a Locker acquisition or a lease write.
type LeaderElector struct {
	cfg ElectorConfig

	role       atomic.Int32
	generation int64
	lead       *leadership
	contending *contention

	force chan struct{}
	now   func() time.Time
}

// NewLeaderElector validates cfg and creates an elector.
func NewLeaderElector(cfg ElectorConfig) (*LeaderElector, error) {
	if cfg.Name == "" || cfg.TabID == "" || cfg.Bus == nil || cfg.Lead == nil {
		return nil, errors.New("elector config: name, tab id, bus and lead are required")
	}

	if cfg.Locker == nil && cfg.Leases == nil {
		return nil, errors.New("elector config: a locker or a lease store is required")
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.FollowerTimeout <= 0 {
		cfg.FollowerTimeout = defaultFollowerTimeout
	}
	if cfg.Log == nil {
		cfg.Log = discardLogger()
	}
	cfg.Log = cfg.Log.WithFields(logrus.Fields{"tab": cfg.TabID, "election": cfg.Name})

	return &LeaderElector{
		cfg:   cfg,
		force: make(chan struct{}, 1),
		now:   time.Now,
	}, nil
}

// Role returns the current role.
func (e *LeaderElector) Role() Role { return Role(e.role.Load()) }

// ForceReconnect asks for a fresh transport. A follower contends for
// leadership by waiting on the lock or taking over the lease; a leader
// restarts its transport.
func (e *LeaderElector) ForceReconnect() {
	select {
	case e.force <- struct{}{}:
	default:
	}
}

// Broadcast forwards an event received by the leader to the other tabs.
func (e *LeaderElector) Broadcast(ev *Event) error {
	return e.post(&busMessage{Kind: kindEvent, Event: ev})
}

// BroadcastResync tells the other tabs that local history must be rebuilt.
func (e *LeaderElector) BroadcastResync() error {
	return e.post(&busMessage{Kind: kindResync})
}

func (e *LeaderElector) post(msg *busMessage) error {
	msg.From = e.cfg.TabID
	msg.Generation = atomic.LoadInt64(&e.generation)

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return e.cfg.Bus.Post(b)
}

func (e *LeaderElector) setRole(r Role) {
	if Role(e.role.Swap(int32(r))) != r {
		e.cfg.Log.WithField("role", r.String()).Debug("role changed")

		if e.cfg.OnRoleChange != nil {
			e.cfg.OnRoleChange(r)
		}
	}
}

// Run drives the election until ctx is cancelled. It returns nil on
// cancellation, or the error that ended Lead when that was not a step-down.
func (e *LeaderElector) Run(ctx context.Context) error {
	var leaseChanges <-chan Lease
	if e.cfg.Locker == nil {
		changes, stop := e.cfg.Leases.Watch(e.cfg.Name, e.cfg.TabID)
		defer stop()
		leaseChanges = changes
	}

	heartbeat := time.NewTicker(e.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	followerTimer := time.NewTimer(e.cfg.FollowerTimeout)
	defer followerTimer.Stop()

	defer e.stopContending()

	msgs := e.cfg.Bus.Messages()

	e.elect(ctx)

	for {
		var leadDone chan error
		if e.lead != nil {
			leadDone = e.lead.done
		}

		var acquired chan acquisition
		if e.contending != nil {
			acquired = e.contending.result
		}

		select {
		case <-ctx.Done():
			e.resign()
			return nil

		case raw, ok := <-msgs:
			if !ok {
				e.resign()
				return ErrBusClosed
			}

			e.handleMessage(ctx, raw, followerTimer)

		case <-heartbeat.C:
			if e.Role() != RoleLeader {
				continue
			}

			if e.cfg.Locker == nil && !e.renewLease() {
				e.stepDown(ErrLeadershipLost)
				followerTimer.Reset(e.cfg.FollowerTimeout)
				continue
			}

			e.sendHeartbeat()

		case <-followerTimer.C:
			if e.Role() != RoleLeader {
				e.cfg.Log.Info("leader heartbeat timed out, electing")
				e.elect(ctx)
			}
			followerTimer.Reset(e.cfg.FollowerTimeout)

		case <-leaseChanges:
			if e.Role() == RoleLeader && e.leaseStolen() {
				e.stepDown(ErrLeadershipLost)
				followerTimer.Reset(e.cfg.FollowerTimeout)
			}

		case <-e.force:
			e.handleForce(ctx)

		case a := <-acquired:
			e.contending = nil

			if a.err != nil {
				continue
			}

			if e.Role() == RoleLeader {
				a.release()
				continue
			}

			e.cfg.Log.Info("contended lock acquired")
			e.becomeLeader(ctx, a.release)

		case err := <-leadDone:
			// Lead ended on its own: the transport gave up.
			e.lead.done = nil
			e.stepDown(nil)

			if err != nil && !errors.Is(err, context.Canceled) {
				e.cfg.Log.WithError(err).Error("leader transport failed")
				e.announceResign()
				return err
			}

			e.announceResign()
			followerTimer.Reset(e.cfg.FollowerTimeout)
		}
	}
}

func (e *LeaderElector) handleMessage(ctx context.Context, raw []byte, followerTimer *time.Timer) {
	var msg busMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		e.cfg.Log.WithError(err).Warn("dropping undecodable bus message")
		return
	}

	switch msg.Kind {
	case kindHeartbeat:
		if e.Role() == RoleLeader {
			// Two leaders can only happen in lease mode; the higher
			// generation wins.
			if e.cfg.Locker == nil && e.leaseStolen() {
				e.stepDown(ErrLeadershipLost)
				followerTimer.Reset(e.cfg.FollowerTimeout)
			}
			return
		}

		if e.Role() != RoleFollower {
			e.setRole(RoleFollower)
		}
		followerTimer.Reset(e.cfg.FollowerTimeout)

	case kindResign:
		if e.Role() != RoleLeader {
			e.elect(ctx)
			followerTimer.Reset(e.cfg.FollowerTimeout)
		}
	}
}

// elect makes one non-blocking attempt at leadership.
func (e *LeaderElector) elect(ctx context.Context) {
	if e.Role() == RoleLeader {
		return
	}

	e.setRole(RoleElecting)

	if e.cfg.Locker != nil {
		if release, ok := e.cfg.Locker.TryAcquire(e.cfg.Name); ok {
			e.becomeLeader(ctx, release)
			return
		}

		e.setRole(RoleFollower)
		return
	}

	cur, ok := e.cfg.Leases.Load(e.cfg.Name)
	if ok && cur.Owner != e.cfg.TabID && !cur.Expired(e.now()) {
		e.setRole(RoleFollower)
		return
	}

	e.takeLease(cur.Generation + 1)
	e.becomeLeader(ctx, nil)
}

// handleForce serves ForceReconnect.
func (e *LeaderElector) handleForce(ctx context.Context) {
	if e.Role() == RoleLeader {
		e.cfg.Log.Info("restarting leader transport")
		e.stopLead()
		e.startLead(ctx)
		return
	}

	if e.cfg.Locker == nil {
		cur, _ := e.cfg.Leases.Load(e.cfg.Name)
		e.cfg.Log.WithField("generation", cur.Generation+1).Info("taking over lease")
		e.takeLease(cur.Generation + 1)
		e.becomeLeader(ctx, nil)
		return
	}

	if e.contending != nil {
		return
	}

	// Wait for the current holder to let go.
	cctx, cancel := context.WithCancel(ctx)
	c := &contention{cancel: cancel, result: make(chan acquisition, 1)}
	e.contending = c

	go func() {
		release, err := e.cfg.Locker.Acquire(cctx, e.cfg.Name)
		c.result <- acquisition{release: release, err: err}
	}()
}

// stopContending abandons a blocking Acquire, releasing the lock if it was
// granted anyway.
func (e *LeaderElector) stopContending() {
	c := e.contending
	if c == nil {
		return
	}

	e.contending = nil
	c.cancel()

	if a := <-c.result; a.err == nil {
		a.release()
	}
}

func (e *LeaderElector) takeLease(gen int64) {
	atomic.StoreInt64(&e.generation, gen)
	e.cfg.Leases.Store(e.cfg.Name, e.cfg.TabID, Lease{
		Owner:      e.cfg.TabID,
		Generation: gen,
		ExpiresAt:  e.now().Add(e.cfg.FollowerTimeout),
	})
}

// renewLease extends our lease, or reports false when it is no longer ours.
func (e *LeaderElector) renewLease() bool {
	if e.leaseStolen() {
		return false
	}

	e.takeLease(atomic.LoadInt64(&e.generation))
	return true
}

// leaseStolen reads the stored lease: another owner at our generation or
// above means we lost it.
func (e *LeaderElector) leaseStolen() bool {
	cur, ok := e.cfg.Leases.Load(e.cfg.Name)
	if !ok {
		return false
	}

	return cur.Owner != e.cfg.TabID && cur.Generation >= atomic.LoadInt64(&e.generation)
}

func (e *LeaderElector) becomeLeader(ctx context.Context, release func()) {
	e.stopContending()
	e.lead = &leadership{release: release}
	e.setRole(RoleLeader)
	e.cfg.Log.WithField("generation", atomic.LoadInt64(&e.generation)).Info("became leader")

	e.startLead(ctx)
	e.sendHeartbeat()
}

func (e *LeaderElector) startLead(ctx context.Context) {
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)

	e.lead.cancel = cancel
	e.lead.done = done

	go func() { done <- e.cfg.Lead(lctx) }()
}

// stopLead closes the transport and waits for Lead to return.
func (e *LeaderElector) stopLead() {
	if e.lead == nil || e.lead.cancel == nil {
		return
	}

	e.lead.cancel()
	if e.lead.done != nil {
		<-e.lead.done
	}
	e.lead.cancel = nil
	e.lead.done = nil
}

// stepDown gives up leadership: transport closed, heartbeats stopped, lock
// released. cause is ErrLeadershipLost after a detected takeover.
func (e *LeaderElector) stepDown(cause error) {
	if e.lead == nil {
		return
	}

	e.stopLead()

	if e.lead.release != nil {
		e.lead.release()
	}
	e.lead = nil

	if cause != nil {
		e.cfg.Log.WithError(cause).Warn("stepping down")
	}

	e.setRole(RoleFollower)
}

// resign steps down on shutdown and lets the others elect at once.
func (e *LeaderElector) resign() {
	if e.Role() != RoleLeader {
		e.setRole(RoleUnelected)
		return
	}

	e.stepDown(nil)

	if e.cfg.Locker == nil {
		// Expire our lease so the next tab does not wait it out.
		e.cfg.Leases.Store(e.cfg.Name, e.cfg.TabID, Lease{
			Owner:      e.cfg.TabID,
			Generation: atomic.LoadInt64(&e.generation),
			ExpiresAt:  e.now(),
		})
	}

	e.announceResign()
	e.setRole(RoleUnelected)
}

func (e *LeaderElector) announceResign() {
	if err := e.post(&busMessage{Kind: kindResign}); err != nil {
		e.cfg.Log.WithError(err).Debug("resign not announced")
	}
}

func (e *LeaderElector) sendHeartbeat() {
	if err := e.post(&busMessage{Kind: kindHeartbeat}); err != nil {
		e.cfg.Log.WithError(err).Warn("heartbeat not sent")
	}
}
