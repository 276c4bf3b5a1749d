// Package presence tracks live connections and the members that are in their disconnect grace period.
package presence

import (
	"sync"
	"time"

	"github.com/ghaiht95/genmob/types"
)

// Entry is a live connection bound to a member.
type Entry struct {
	ConnId string
	Key    types.MemberKey
	Since  time.Time
}

// Grace is a member whose last connection dropped. Generation identifies this particular disconnect, a timer armed for
// an older generation must not act on a newer one.
type Grace struct {
	ConnId     string
	Generation uint64
	Since      time.Time
}

// Registry is the in-memory presence state. It is advisory only, the store decides membership.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Entry
	byKey      map[types.MemberKey]map[string]struct{}
	grace      map[types.MemberKey]Grace
	generation uint64
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Entry),
		byKey: make(map[types.MemberKey]map[string]struct{}),
		grace: make(map[types.MemberKey]Grace),
		now:   time.Now,
	}
}

// Register binds connId to key, replacing any previous binding of that connection, and clears a pending grace entry
// for key.
func (r *Registry) Register(connId string, key types.MemberKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbind(connId)
	r.conns[connId] = &Entry{ConnId: connId, Key: key, Since: r.now()}
	conns, ok := r.byKey[key]
	if !ok {
		conns = make(map[string]struct{})
		r.byKey[key] = conns
	}
	conns[connId] = struct{}{}
	delete(r.grace, key)
}

func (r *Registry) unbind(connId string) (types.MemberKey, bool) {
	e, ok := r.conns[connId]
	if !ok {
		return types.MemberKey{}, false
	}
	delete(r.conns, connId)
	if conns, ok := r.byKey[e.Key]; ok {
		delete(conns, connId)
		if len(conns) == 0 {
			delete(r.byKey, e.Key)
		}
	}
	return e.Key, true
}

// Unregister removes a connection without starting a grace period.
func (r *Registry) Unregister(connId string) (types.MemberKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbind(connId)
}

func (r *Registry) Lookup(connId string) (types.MemberKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connId]
	if !ok {
		return types.MemberKey{}, false
	}
	return e.Key, true
}

// Disconnect removes connId. If it was the last connection of its member, the member enters the grace set and the
// new generation is returned with graced set to true.
func (r *Registry) Disconnect(connId string) (key types.MemberKey, generation uint64, graced bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, found = r.unbind(connId)
	if !found {
		return key, 0, false, false
	}
	if len(r.byKey[key]) > 0 {
		return key, 0, false, true
	}
	r.generation++
	r.grace[key] = Grace{ConnId: connId, Generation: r.generation, Since: r.now()}
	return key, r.generation, true, true
}

// MarkGrace puts key (back) into the grace set under a new generation, used when a removal has to be retried.
func (r *Registry) MarkGrace(key types.MemberKey, connId string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.grace[key] = Grace{ConnId: connId, Generation: r.generation, Since: r.now()}
	return r.generation
}

// ClearGrace drops a pending grace entry. It reports whether there was one.
func (r *Registry) ClearGrace(key types.MemberKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.grace[key]
	delete(r.grace, key)
	return ok
}

// TakeGrace removes the grace entry for key only if it still belongs to generation. Exactly one caller can win it.
func (r *Registry) TakeGrace(key types.MemberKey, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grace[key]
	if !ok || g.Generation != generation {
		return false
	}
	delete(r.grace, key)
	return true
}

func (r *Registry) InGrace(key types.MemberKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.grace[key]
	return ok
}

// Live reports whether key has a connection or is waiting in the grace period.
func (r *Registry) Live(key types.MemberKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byKey[key]) > 0 {
		return true
	}
	_, ok := r.grace[key]
	return ok
}

func (r *Registry) Connections(key types.MemberKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]string, 0, len(r.byKey[key]))
	for c := range r.byKey[key] {
		conns = append(conns, c)
	}
	return conns
}

// Forget removes every connection and the grace entry of key and returns the removed connection ids.
func (r *Registry) Forget(key types.MemberKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.grace, key)
	conns := make([]string, 0, len(r.byKey[key]))
	for c := range r.byKey[key] {
		conns = append(conns, c)
		delete(r.conns, c)
	}
	delete(r.byKey, key)
	return conns
}

// Stale returns the keys with a connection or a grace entry that are not in valid. It does not change anything; the
// caller re-checks every key with the store before it calls Forget.
func (r *Registry) Stale(valid map[types.MemberKey]struct{}) []types.MemberKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[types.MemberKey]struct{})
	stale := make([]types.MemberKey, 0)
	add := func(key types.MemberKey) {
		if _, ok := valid[key]; ok {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		stale = append(stale, key)
	}
	for key := range r.byKey {
		add(key)
	}
	for key := range r.grace {
		add(key)
	}
	return stale
}

type Stats struct {
	Connections int `json:"connections"`
	Members     int `json:"members"`
	InGrace     int `json:"in_grace"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Members: len(r.byKey), InGrace: len(r.grace)}
}
