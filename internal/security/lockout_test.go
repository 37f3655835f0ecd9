package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var testPolicy = Policy{MaxFailures: 3, Window: time.Minute, Lockout: 30 * time.Second}

// backend pairs Lockouts with a way to move its clock forward.
type backend struct {
	Lockouts
	advance func(time.Duration)
}

func backends() map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)

			now := time.Unix(1_700_000_000, 0)
			m := NewMemoryLockouts(ctx, testPolicy)
			m.now = func() time.Time { return now }
			return backend{m, func(d time.Duration) { now = now.Add(d) }}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })

			return backend{NewRedisLockouts(rdb, testPolicy), mr.FastForward}
		},
	}
}

func failN(t *testing.T, l Lockouts, client string, n int) (locked bool) {
	t.Helper()
	for range n {
		ok, err := l.Fail(context.Background(), client)
		if err != nil {
			t.Fatalf("Fail: %v", err)
		}
		locked = locked || ok
	}
	return locked
}

func remaining(t *testing.T, l Lockouts, client string) time.Duration {
	t.Helper()
	d, err := l.Locked(context.Background(), client)
	if err != nil {
		t.Fatalf("Locked: %v", err)
	}
	return d
}

func TestLockouts(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("locks at limit", func(t *testing.T) {
				b := open(t)
				if failN(t, b, "10.0.0.1", testPolicy.MaxFailures-1) {
					t.Fatal("locked before the limit")
				}
				if remaining(t, b, "10.0.0.1") != 0 {
					t.Fatal("Locked > 0 before the limit")
				}
				if !failN(t, b, "10.0.0.1", 1) {
					t.Fatal("Fail did not report the lockout")
				}
				if d := remaining(t, b, "10.0.0.1"); d <= 0 || d > testPolicy.Lockout {
					t.Errorf("Locked = %v, want within (0, %v]", d, testPolicy.Lockout)
				}
				if remaining(t, b, "10.0.0.2") != 0 {
					t.Error("other client locked")
				}
			})

			t.Run("lockout expires", func(t *testing.T) {
				b := open(t)
				failN(t, b, "c", testPolicy.MaxFailures)
				b.advance(testPolicy.Lockout + time.Second)
				if d := remaining(t, b, "c"); d != 0 {
					t.Errorf("Locked = %v after expiry, want 0", d)
				}
			})

			t.Run("reset clears failures", func(t *testing.T) {
				b := open(t)
				failN(t, b, "c", testPolicy.MaxFailures-1)
				if err := b.Reset(context.Background(), "c"); err != nil {
					t.Fatalf("Reset: %v", err)
				}
				if failN(t, b, "c", testPolicy.MaxFailures-1) {
					t.Error("locked after reset")
				}
			})

			t.Run("window forgets old failures", func(t *testing.T) {
				b := open(t)
				failN(t, b, "c", testPolicy.MaxFailures-1)
				b.advance(testPolicy.Window + time.Second)
				if failN(t, b, "c", 1) {
					t.Error("failures outside the window still counted")
				}
			})
		})
	}
}

func TestMemoryLockouts_Sweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLockouts(ctx, testPolicy)
	m.now = func() time.Time { return now }

	failN(t, m, "locked", testPolicy.MaxFailures)
	failN(t, m, "counting", 1)

	now = now.Add(testPolicy.Lockout)
	m.sweep()
	if _, ok := m.clients[clientHash("locked")]; ok {
		t.Error("expired lockout kept")
	}
	if _, ok := m.clients[clientHash("counting")]; !ok {
		t.Error("failure inside the window dropped")
	}
}
