package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	shardCount       = 32
	mirrorQueueDepth = 256
)

// Conn is a routable signaling connection.
type Conn interface {
	ID() string
	UserID() string
	Role() string
}

// Mirror publishes online status outside this process.
type Mirror interface {
	SetOnline(ctx context.Context, userID, connID, role string) error
	SetOffline(ctx context.Context, userID, connID string) error
}

type mirrorUpdate func(ctx context.Context) error

type shard struct {
	mu sync.RWMutex
	m  map[string]Conn

	// updates feeds this shard's mirror worker. Sends happen under mu, so a user's
	// mirror writes apply in the same order as the table changes.
	updates chan mirrorUpdate
	stopped bool
}

// Table maps userID -> the single current connection.
type Table struct {
	shards [shardCount]shard

	mirror        Mirror
	mirrorTimeout time.Duration
	mirrorWG      sync.WaitGroup
	log           *slog.Logger
}

type Option func(*Table)

func WithMirror(m Mirror) Option { return func(t *Table) { t.mirror = m } }

func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.log = l
		}
	}
}

func NewTable(opts ...Option) *Table {
	t := &Table{
		mirrorTimeout: 2 * time.Second,
		log:           slog.Default(),
	}
	for i := range t.shards {
		t.shards[i].m = make(map[string]Conn)
	}
	for _, o := range opts {
		o(t)
	}
	if t.mirror != nil {
		for i := range t.shards {
			sh := &t.shards[i]
			sh.updates = make(chan mirrorUpdate, mirrorQueueDepth)
			t.mirrorWG.Add(1)
			go t.runMirror(sh)
		}
	}
	return t
}

func (t *Table) shardFor(userID string) *shard {
	return &t.shards[xxhash.Sum64String(userID)%shardCount]
}

// Register makes conn the user's current connection and returns the one it replaced, if any.
func (t *Table) Register(userID string, conn Conn) (Conn, bool) {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	prev, had := sh.m[userID]
	sh.m[userID] = conn
	t.mirrorLocked(sh, func(ctx context.Context) error {
		return t.mirror.SetOnline(ctx, userID, conn.ID(), conn.Role())
	})
	sh.mu.Unlock()

	if had && prev.ID() == conn.ID() {
		return nil, false
	}
	return prev, had
}

// Unregister removes the entry only while conn is still current.
// It reports whether the user is now offline.
func (t *Table) Unregister(userID string, conn Conn) bool {
	sh := t.shardFor(userID)
	sh.mu.Lock()
	cur, ok := sh.m[userID]
	removed := ok && cur.ID() == conn.ID()
	if removed {
		delete(sh.m, userID)
		t.mirrorLocked(sh, func(ctx context.Context) error {
			return t.mirror.SetOffline(ctx, userID, conn.ID())
		})
	}
	sh.mu.Unlock()
	return removed
}

func (t *Table) Lookup(userID string) (Conn, bool) {
	sh := t.shardFor(userID)
	sh.mu.RLock()
	c, ok := sh.m[userID]
	sh.mu.RUnlock()
	return c, ok
}

func (t *Table) Online(userID string) bool {
	_, ok := t.Lookup(userID)
	return ok
}

// Touch refreshes the mirrored status of a live connection.
func (t *Table) Touch(conn Conn) {
	sh := t.shardFor(conn.UserID())
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if cur, ok := sh.m[conn.UserID()]; !ok || cur.ID() != conn.ID() {
		return
	}
	t.mirrorLocked(sh, func(ctx context.Context) error {
		return t.mirror.SetOnline(ctx, conn.UserID(), conn.ID(), conn.Role())
	})
}

// Each calls fn for every current connection. fn must not call back into the table.
func (t *Table) Each(fn func(Conn)) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		conns := make([]Conn, 0, len(sh.m))
		for _, c := range sh.m {
			conns = append(conns, c)
		}
		sh.mu.RUnlock()
		for _, c := range conns {
			fn(c)
		}
	}
}

func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Close stops the mirror workers after they flush queued updates.
func (t *Table) Close() {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		if sh.updates != nil && !sh.stopped {
			sh.stopped = true
			close(sh.updates)
		}
		sh.mu.Unlock()
	}
	t.mirrorWG.Wait()
}

// mirrorLocked queues a mirror write; sh.mu must be held. It never blocks routing:
// a full queue drops the update and the key's TTL or the next heartbeat repairs it.
func (t *Table) mirrorLocked(sh *shard, fn mirrorUpdate) {
	if sh.updates == nil || sh.stopped {
		return
	}
	select {
	case sh.updates <- fn:
	default:
		t.log.Warn("presence mirror queue full, update dropped")
	}
}

func (t *Table) runMirror(sh *shard) {
	defer t.mirrorWG.Done()
	for fn := range sh.updates {
		ctx, cancel := context.WithTimeout(context.Background(), t.mirrorTimeout)
		err := fn(ctx)
		cancel()
		if err != nil {
			t.log.Warn("presence mirror update failed", slog.Any("err", err))
		}
	}
}
