package tunnel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Provisioner for development setups and tests. FailHook, if set, is consulted before every
// call and can inject failures.
type Memory struct {
	mu       sync.Mutex
	hubs     map[string]map[string]string
	calls    map[string]int
	FailHook func(op, hub, user string) error
}

func NewMemory() *Memory {
	return &Memory{
		hubs:  make(map[string]map[string]string),
		calls: make(map[string]int),
	}
}

func (m *Memory) enter(op, hub, user string) error {
	m.calls[op]++
	if m.FailHook != nil {
		return m.FailHook(op, hub, user)
	}
	return nil
}

func (m *Memory) HubExists(_ context.Context, hub string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("HubExists", hub, ""); err != nil {
		return false, err
	}
	_, ok := m.hubs[hub]
	return ok, nil
}

func (m *Memory) CreateHub(_ context.Context, hub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateHub", hub, ""); err != nil {
		return err
	}
	if _, ok := m.hubs[hub]; !ok {
		m.hubs[hub] = make(map[string]string)
	}
	return nil
}

func (m *Memory) DeleteHub(_ context.Context, hub string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteHub", hub, ""); err != nil {
		return err
	}
	delete(m.hubs, hub)
	return nil
}

func (m *Memory) UserExists(_ context.Context, hub, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UserExists", hub, user); err != nil {
		return false, err
	}
	users, ok := m.hubs[hub]
	if !ok {
		return false, nil
	}
	_, ok = users[user]
	return ok, nil
}

func (m *Memory) CreateUser(_ context.Context, hub, user, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateUser", hub, user); err != nil {
		return err
	}
	users, ok := m.hubs[hub]
	if !ok {
		return fmt.Errorf("hub %s does not exist", hub)
	}
	users[user] = secret
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, hub, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteUser", hub, user); err != nil {
		return err
	}
	if users, ok := m.hubs[hub]; ok {
		delete(users, user)
	}
	return nil
}

func (m *Memory) ListHubs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListHubs", "", ""); err != nil {
		return nil, err
	}
	hubs := make([]string, 0, len(m.hubs))
	for hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	sort.Strings(hubs)
	return hubs, nil
}

// Secret returns the current secret of a user.
func (m *Memory) Secret(hub, user string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	secret, ok := m.hubs[hub][user]
	return secret, ok
}

// Users returns the user names of a hub.
func (m *Memory) Users(hub string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]string, 0)
	for u := range m.hubs[hub] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Calls returns how often op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) SetFailHook(hook func(op, hub, user string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailHook = hook
}
