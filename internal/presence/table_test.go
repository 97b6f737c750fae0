package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubConn struct{ id, user, role string }

func (c stubConn) ID() string     { return c.id }
func (c stubConn) UserID() string { return c.user }
func (c stubConn) Role() string   { return c.role }

type mirrorCall struct {
	online bool
	user   string
	conn   string
}

type chanMirror struct {
	calls chan mirrorCall
	err   error
}

func (m *chanMirror) SetOnline(_ context.Context, userID, connID, _ string) error {
	m.calls <- mirrorCall{online: true, user: userID, conn: connID}
	return m.err
}

func (m *chanMirror) SetOffline(_ context.Context, userID, connID string) error {
	m.calls <- mirrorCall{online: false, user: userID, conn: connID}
	return m.err
}

func TestRegister_Supersedes(t *testing.T) {
	tbl := NewTable()
	first := stubConn{id: "c1", user: "u1", role: "patient"}
	second := stubConn{id: "c2", user: "u1", role: "patient"}

	if _, had := tbl.Register("u1", first); had {
		t.Fatalf("first register should not supersede")
	}
	prev, had := tbl.Register("u1", second)
	if !had || prev.ID() != "c1" {
		t.Fatalf("expected c1 superseded, got %v %v", prev, had)
	}
	cur, ok := tbl.Lookup("u1")
	if !ok || cur.ID() != "c2" {
		t.Fatalf("lookup returned %v", cur)
	}
}

func TestUnregister_OnlyCurrent(t *testing.T) {
	tbl := NewTable()
	old := stubConn{id: "c1", user: "u1"}
	cur := stubConn{id: "c2", user: "u1"}
	tbl.Register("u1", old)
	tbl.Register("u1", cur)

	if tbl.Unregister("u1", old) {
		t.Fatalf("stale connection must not remove the current entry")
	}
	if !tbl.Online("u1") {
		t.Fatalf("user should still be online")
	}
	if !tbl.Unregister("u1", cur) {
		t.Fatalf("current connection should unregister")
	}
	if tbl.Online("u1") || tbl.Len() != 0 {
		t.Fatalf("user should be offline")
	}
}

func TestTable_ConcurrentUsers(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := fmt.Sprintf("u%d", i)
			c := stubConn{id: "c" + u, user: u}
			tbl.Register(u, c)
			if i%2 == 0 {
				tbl.Unregister(u, c)
			}
		}(i)
	}
	wg.Wait()
	if n := tbl.Len(); n != 100 {
		t.Fatalf("expected 100 online, got %d", n)
	}
}

func TestMirror_ReceivesUpdates(t *testing.T) {
	m := &chanMirror{calls: make(chan mirrorCall, 4)}
	tbl := NewTable(WithMirror(m))
	c := stubConn{id: "c1", user: "u1", role: "doctor"}

	tbl.Register("u1", c)
	if got := waitCall(t, m.calls); !got.online || got.conn != "c1" {
		t.Fatalf("expected online call, got %+v", got)
	}
	tbl.Unregister("u1", c)
	if got := waitCall(t, m.calls); got.online || got.user != "u1" {
		t.Fatalf("expected offline call, got %+v", got)
	}
}

func TestMirror_FailureDoesNotAffectRouting(t *testing.T) {
	m := &chanMirror{calls: make(chan mirrorCall, 4), err: errors.New("redis down")}
	tbl := NewTable(WithMirror(m))
	tbl.Register("u1", stubConn{id: "c1", user: "u1"})
	waitCall(t, m.calls)
	if !tbl.Online("u1") {
		t.Fatalf("routing must not depend on the mirror")
	}
}

// laggingMirror holds the first SetOnline for a connection so a later update could
// overtake it if writes were not serialized per user.
type laggingMirror struct {
	slow string
	mu   sync.Mutex
	log  []string
}

func (m *laggingMirror) SetOnline(_ context.Context, _, connID, _ string) error {
	if connID == m.slow {
		time.Sleep(50 * time.Millisecond)
	}
	m.mu.Lock()
	m.log = append(m.log, "on:"+connID)
	m.mu.Unlock()
	return nil
}

func (m *laggingMirror) SetOffline(_ context.Context, _, connID string) error {
	m.mu.Lock()
	m.log = append(m.log, "off:"+connID)
	m.mu.Unlock()
	return nil
}

func TestMirror_UpdatesKeepRegistrationOrder(t *testing.T) {
	m := &laggingMirror{slow: "c1"}
	tbl := NewTable(WithMirror(m))

	first := stubConn{id: "c1", user: "u1"}
	second := stubConn{id: "c2", user: "u1"}
	tbl.Register("u1", first)
	tbl.Register("u1", second)
	tbl.Unregister("u1", first)
	tbl.Close()

	want := []string{"on:c1", "on:c2"}
	if fmt.Sprint(m.log) != fmt.Sprint(want) {
		t.Fatalf("mirror saw %v, want %v", m.log, want)
	}
}

func TestTable_CloseStopsMirror(t *testing.T) {
	m := &chanMirror{calls: make(chan mirrorCall, 4)}
	tbl := NewTable(WithMirror(m))
	tbl.Close()
	tbl.Register("u1", stubConn{id: "c1", user: "u1"})
	if !tbl.Online("u1") {
		t.Fatalf("routing must keep working after the mirror stops")
	}
	select {
	case c := <-m.calls:
		t.Fatalf("unexpected mirror write after close: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
	tbl.Close()
}

func TestRedisMirror_Key(t *testing.T) {
	if Key("u1") != "presence:u1" {
		t.Fatalf("unexpected key %q", Key("u1"))
	}
	if offlineScript == nil {
		t.Fatalf("expected script to be initialized")
	}
}

func waitCall(t *testing.T, ch <-chan mirrorCall) mirrorCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatalf("mirror not called")
		return mirrorCall{}
	}
}
