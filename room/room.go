// Package room caches room rosters in front of the store.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/ghaiht95/genmob/types"
	lru "github.com/hashicorp/golang-lru"
)

const (
	defaultSize = 1024
	defaultTTL  = 5 * time.Second
)

// LoadFunc reads the members of a room from the store.
type LoadFunc func(ctx context.Context, roomId string) ([]*types.Member, error)

type roster struct {
	members []*types.Member
	loaded  time.Time
}

// RosterCache is an LRU of member lists with a time to live. Every membership change has to call Invalidate.
type RosterCache struct {
	cache *lru.Cache
	ttl   time.Duration
	load  LoadFunc
	now   func() time.Time
	// epochs guards against storing a roster that was loaded before an Invalidate
	mu     sync.Mutex
	epochs map[string]uint64
}

func NewRosterCache(size int, ttl time.Duration, load LoadFunc) (*RosterCache, error) {
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RosterCache{
		cache:  cache,
		ttl:    ttl,
		load:   load,
		now:    time.Now,
		epochs: make(map[string]uint64),
	}, nil
}

// Members returns the cached roster of a room or loads it.
func (c *RosterCache) Members(ctx context.Context, roomId string) ([]*types.Member, error) {
	if v, ok := c.cache.Get(roomId); ok {
		r := v.(*roster)
		if c.now().Sub(r.loaded) < c.ttl {
			return r.members, nil
		}
		c.cache.Remove(roomId)
	}
	c.mu.Lock()
	epoch := c.epochs[roomId]
	c.mu.Unlock()
	members, err := c.load(ctx, roomId)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.epochs[roomId] == epoch {
		c.cache.Add(roomId, &roster{members: members, loaded: c.now()})
	}
	c.mu.Unlock()
	return members, nil
}

// Contains reports whether identity is in the roster of the room.
func (c *RosterCache) Contains(ctx context.Context, roomId, identity string) (bool, error) {
	members, err := c.Members(ctx, roomId)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m.Identity == identity {
			return true, nil
		}
	}
	return false, nil
}

func (c *RosterCache) Invalidate(roomId string) {
	c.mu.Lock()
	c.epochs[roomId]++
	c.cache.Remove(roomId)
	c.mu.Unlock()
}

// Forget drops all bookkeeping for a deleted room.
func (c *RosterCache) Forget(roomId string) {
	c.mu.Lock()
	delete(c.epochs, roomId)
	c.cache.Remove(roomId)
	c.mu.Unlock()
}

func (c *RosterCache) Len() int {
	return c.cache.Len()
}
