package calls

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// entry is the store's slot for one session. mu serializes every transition of s.
type entry struct {
	mu    sync.Mutex
	s     Session
	timer *time.Timer
}

type sessionShard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type userShard struct {
	mu sync.Mutex
	// userID -> sessionID of the user's non-ended session.
	m map[string]string
}

// Store is the in-memory session registry plus the per-user busy index.
//
// Lock order: user shards (ascending index) -> session shard. An entry's mu may be held
// while taking user or session shard locks, never the other way round, except for the
// freshly built entry inside reserve which is not yet reachable by anyone else.
type Store struct {
	seq      atomic.Uint64
	sessions [shardCount]sessionShard
	users    [shardCount]userShard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.sessions {
		s.sessions[i].m = make(map[string]*entry)
	}
	for i := range s.users {
		s.users[i].m = make(map[string]string)
	}
	return s
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

// reserve atomically marks both users busy and publishes the entry returned by build.
// The sequence number is assigned while both users are locked, so among competing invites
// for overlapping users the winner always holds the smaller sequence number.
// build must return the entry already locked.
func (st *Store) reserve(callerID, calleeID string, build func(seq uint64) *entry) (*entry, error) {
	idx := []int{shardIndex(callerID), shardIndex(calleeID)}
	if idx[0] == idx[1] {
		idx = idx[:1]
	}
	sort.Ints(idx)
	for _, i := range idx {
		st.users[i].mu.Lock()
	}
	defer func() {
		for j := len(idx) - 1; j >= 0; j-- {
			st.users[idx[j]].mu.Unlock()
		}
	}()

	if _, busy := st.users[shardIndex(callerID)].m[callerID]; busy {
		return nil, ErrAlreadyInCall
	}
	if _, busy := st.users[shardIndex(calleeID)].m[calleeID]; busy {
		return nil, ErrAlreadyInCall
	}

	e := build(st.seq.Add(1))
	id := e.s.ID
	st.users[shardIndex(callerID)].m[callerID] = id
	st.users[shardIndex(calleeID)].m[calleeID] = id

	sh := &st.sessions[shardIndex(id)]
	sh.mu.Lock()
	sh.m[id] = e
	sh.mu.Unlock()
	return e, nil
}

// release clears the busy marks held by sessionID. Marks owned by another session are left alone.
func (st *Store) release(sessionID string, users ...string) {
	for _, u := range users {
		sh := &st.users[shardIndex(u)]
		sh.mu.Lock()
		if sh.m[u] == sessionID {
			delete(sh.m, u)
		}
		sh.mu.Unlock()
	}
}

func (st *Store) get(sessionID string) (*entry, bool) {
	sh := &st.sessions[shardIndex(sessionID)]
	sh.mu.RLock()
	e, ok := sh.m[sessionID]
	sh.mu.RUnlock()
	return e, ok
}

// ActiveSessionID returns the id of the user's non-ended session.
func (st *Store) ActiveSessionID(userID string) (string, bool) {
	sh := &st.users[shardIndex(userID)]
	sh.mu.Lock()
	id, ok := sh.m[userID]
	sh.mu.Unlock()
	return id, ok
}

// Get returns a snapshot of the session.
func (st *Store) Get(sessionID string) (Session, bool) {
	e, ok := st.get(sessionID)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, true
}

// Remove drops an ended session. Sessions that are still live are kept.
func (st *Store) Remove(sessionID string) bool {
	e, ok := st.get(sessionID)
	if !ok {
		return false
	}
	e.mu.Lock()
	ended := e.s.State.Terminal()
	e.mu.Unlock()
	if !ended {
		return false
	}

	sh := &st.sessions[shardIndex(sessionID)]
	sh.mu.Lock()
	delete(sh.m, sessionID)
	sh.mu.Unlock()
	return true
}

// Snapshot copies every stored session, ended ones included.
func (st *Store) Snapshot() []Session {
	var entries []*entry
	for i := range st.sessions {
		sh := &st.sessions[i]
		sh.mu.RLock()
		for _, e := range sh.m {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
	}

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len is the number of stored sessions, ended ones included.
func (st *Store) Len() int {
	n := 0
	for i := range st.sessions {
		sh := &st.sessions[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
