package client

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// TabConfig configures a Tab.
type TabConfig struct {
	// Stream describes the connection the leader opens. Its callbacks are
	// replaced by the Tab's.
	Stream StreamConfig
	TabID  string

	Locker  Locker
	Leases  LeaseStore
	Channel Channel

	// Zero keeps the elector defaults.
	HeartbeatInterval time.Duration
	FollowerTimeout   time.Duration

	OnEvent      func(*Event)
	OnResync     func()
	OnRoleChange func(Role)
	Log          logrus.FieldLogger
}

// Tab is one consumer of a browser instance's event stream. All tabs of the
// instance elect a leader that holds the only transport and forwards what it
// receives; the others replay forwarded events locally.
type Tab struct {
	cfg        TabConfig
	elector    *LeaderElector
	relay      *FollowerRelay
	electorBus Bus
	relayBus   Bus
}

// NewTab wires a LeaderElector, a FollowerRelay and, while leader, a
// ReconnectController.
func NewTab(cfg TabConfig) (*Tab, error) {
	if cfg.Channel == nil {
		return nil, errors.New("tab config: channel is required")
	}

	if cfg.Log == nil {
		cfg.Log = discardLogger()
	}

	t := &Tab{
		cfg:        cfg,
		electorBus: cfg.Channel.Open(),
		relayBus:   cfg.Channel.Open(),
	}

	t.relay = NewFollowerRelay(t.relayBus, cfg.TabID, cfg.OnEvent, cfg.OnResync, cfg.Log)

	elector, err := NewLeaderElector(ElectorConfig{
		Name:              "streamgate:" + cfg.Stream.UserID + ":" + cfg.Stream.ProjectID,
		TabID:             cfg.TabID,
		Locker:            cfg.Locker,
		Leases:            cfg.Leases,
		Bus:               t.electorBus,
		HeartbeatInterval: cfg.HeartbeatInterval,
		FollowerTimeout:   cfg.FollowerTimeout,
		Lead:              t.lead,
		OnRoleChange:      cfg.OnRoleChange,
		Log:               cfg.Log,
	})
	if err != nil {
		t.close()
		return nil, err
	}

	t.elector = elector

	return t, nil
}

// Role returns the tab's current role.
func (t *Tab) Role() Role { return t.elector.Role() }

// ForceReconnect asks for a fresh transport, contending for leadership if
// this tab is a follower.
func (t *Tab) ForceReconnect() { t.elector.ForceReconnect() }

// Run participates in the election until ctx is cancelled.
func (t *Tab) Run(ctx context.Context) error {
	defer t.close()

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go t.relay.Run(relayCtx)

	return t.elector.Run(ctx)
}

func (t *Tab) close() {
	t.electorBus.Close() //nolint:errcheck // in-memory ports never fail to close
	t.relayBus.Close()   //nolint:errcheck // in-memory ports never fail to close
}

// lead runs the transport while this tab is leader, resuming from the last
// event the instance saw whichever tab was leader then.
func (t *Tab) lead(ctx context.Context) error {
	sc := t.cfg.Stream

	if seq := t.relay.LastSequence(); seq > 0 {
		if cur, err := strconv.ParseInt(sc.LastEventID, 10, 64); err != nil || seq > cur {
			sc.LastEventID = strconv.FormatInt(seq, 10)
		}
	}

	sc.Log = t.cfg.Log
	sc.OnEvent = func(ev *Event) {
		t.relay.Observe(ev.Seq)

		if t.cfg.OnEvent != nil {
			t.cfg.OnEvent(ev)
		}

		if err := t.elector.Broadcast(ev); err != nil {
			t.cfg.Log.WithError(err).Warn("event not forwarded to other tabs")
		}
	}
	sc.OnResync = func() {
		t.relay.Reset()

		if t.cfg.OnResync != nil {
			t.cfg.OnResync()
		}

		if err := t.elector.BroadcastResync(); err != nil {
			t.cfg.Log.WithError(err).Warn("resync not forwarded to other tabs")
		}
	}

	ctrl, err := NewReconnectController(sc)
	if err != nil {
		return err
	}

	return ctrl.Run(ctx)
}
