package lobby

import (
	"sort"
	"sync"
)

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key. Several keys are always locked in sorted order.
//
// Across calls the order is tunnel keys (hub, user), then identity, then rooms. Nothing that holds a room key
// waits for an identity or tunnel key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires all keys and returns the function that releases them.
func (k *keyedMutex) Lock(keys ...string) func() {
	keys = uniqueSorted(keys)
	held := make([]*refMutex, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		m, ok := k.locks[key]
		if !ok {
			m = &refMutex{}
			k.locks[key] = m
		}
		m.refs++
		k.mu.Unlock()
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
			k.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, keys[i])
			}
			k.mu.Unlock()
		}
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func uniqueSorted(keys []string) []string {
	res := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		res = append(res, key)
	}
	sort.Strings(res)
	return res
}

func roomLock(roomId string) string {
	return "room:" + roomId
}

func identityLock(identity string) string {
	return "identity:" + identity
}

func hubLock(hub string) string {
	return "hub:" + hub
}

func userLock(hub, user string) string {
	return "user:" + hub + "/" + user
}
