// Package lobby keeps the room store, the presence registry and the tunnel provisioner consistent while members
// join, leave and drop their connections.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/persistence"
	"github.com/ghaiht95/genmob/presence"
	"github.com/ghaiht95/genmob/room"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
)

const (
	defaultGracePeriod = 60 * time.Second
	defaultCapacity    = 8
	defaultMaxCapacity = 64
	defaultMessageLen  = 2000
	maxNameLength      = 128
	// timers have no caller context
	graceRemovalTimeout = 30 * time.Second
)

// Notifier delivers outbound events to connected clients.
type Notifier interface {
	// Notify sends n to every connection bound to a member of roomId.
	Notify(roomId string, n types.Notification)
	// NotifyAll sends n to every connection.
	NotifyAll(n types.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, types.Notification) {}
func (nopNotifier) NotifyAll(types.Notification)      {}

// Tunnel is the provisioner as the coordinator uses it. *tunnel.Verified implements it.
type Tunnel interface {
	tunnel.Provisioner
	// EnsureUser makes sure the hub exists and the user exists with the given secret.
	EnsureUser(ctx context.Context, hub, user, secret string) error
}

type Options struct {
	GracePeriod      time.Duration
	DefaultCapacity  int
	MaxCapacity      int
	MaxMessageLength int
	RosterCacheSize  int
	RosterTTL        time.Duration
	// ServerIP and ServerPort are handed out with every credential.
	ServerIP   string
	ServerPort int
	// TeardownTimeout bounds a single background tunnel teardown.
	TeardownTimeout time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		GracePeriod:      cfg.LobbyConfig.GracePeriod,
		DefaultCapacity:  cfg.LobbyConfig.DefaultCapacity,
		MaxCapacity:      cfg.LobbyConfig.MaxCapacity,
		MaxMessageLength: cfg.LobbyConfig.MaxMessageLength,
		RosterCacheSize:  cfg.LobbyConfig.RosterCacheSize,
		RosterTTL:        cfg.LobbyConfig.RosterTTL,
		ServerIP:         cfg.TunnelConfig.ServerIP,
		ServerPort:       cfg.TunnelConfig.ServerPort,
		TeardownTimeout:  cfg.TunnelConfig.CommandTimeout * 4,
	}
}

func (o Options) withDefaults() Options {
	if o.GracePeriod <= 0 {
		o.GracePeriod = defaultGracePeriod
	}
	if o.DefaultCapacity <= 0 {
		o.DefaultCapacity = defaultCapacity
	}
	if o.MaxCapacity <= 0 {
		o.MaxCapacity = defaultMaxCapacity
	}
	if o.DefaultCapacity > o.MaxCapacity {
		o.DefaultCapacity = o.MaxCapacity
	}
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = defaultMessageLen
	}
	return o
}

// Coordinator is the single entry point for room lifecycle operations. The store is the authority on membership;
// presence and tunnel state follow it.
type Coordinator struct {
	store     persistence.Persister
	tunnel    Tunnel
	presence  *presence.Registry
	evictor   *presence.Evictor
	roster    *room.RosterCache
	teardowns *teardowns
	ledger    *persistence.TeardownLedger
	notifier  Notifier
	locks     *keyedMutex
	opts      Options
	logger    hclog.Logger
	now       func() time.Time
}

// New wires a coordinator. The teardown worker only runs while Run is active.
func New(store persistence.Persister, tun Tunnel, ledger *persistence.TeardownLedger, notifier Notifier, opts Options, logger hclog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if ledger == nil {
		var err error
		ledger, err = persistence.NewTeardownLedger(":memory:")
		if err != nil {
			return nil, err
		}
	}
	opts = opts.withDefaults()
	c := &Coordinator{
		store:    store,
		tunnel:   tun,
		presence: presence.NewRegistry(),
		ledger:   ledger,
		notifier: notifier,
		locks:    newKeyedMutex(),
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	roster, err := room.NewRosterCache(opts.RosterCacheSize, opts.RosterTTL, store.GetMembers)
	if err != nil {
		return nil, err
	}
	c.roster = roster
	c.evictor = presence.NewEvictor(opts.GracePeriod, c.graceExpired)
	c.teardowns = newTeardowns(store, tun, ledger, c.locks, opts.TeardownTimeout, logger.Named("teardown"))
	return c, nil
}

// SetNotifier replaces the notifier. It must be called before any event is processed.
func (c *Coordinator) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	c.notifier = n
}

// Run processes background tunnel teardowns until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Debug("teardown worker started")
	return c.teardowns.run(ctx)
}

// Shutdown stops all grace timers. Members in their grace period stay in the store; the next sweep or process start
// treats them like any other member.
func (c *Coordinator) Shutdown() {
	c.evictor.Stop()
}

func (c *Coordinator) Presence() *presence.Registry {
	return c.presence
}

func (c *Coordinator) credential(hub, handle, secret string) *types.Credential {
	return &types.Credential{
		Hub:      hub,
		Username: handle,
		Password: secret,
		Server:   c.opts.ServerIP,
		Port:     c.opts.ServerPort,
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrInvalid, fmt.Sprintf(format, args...))
}

// lockWithMemberships locks identity, roomId and every room identity is a member of. Holding the identity key
// serializes joins and creates of one identity, so its membership list cannot grow behind the caller. The list is
// read again under the locks and the whole thing is repeated if it grew in between.
func (c *Coordinator) lockWithMemberships(ctx context.Context, roomId, identity string) (func(), []*types.Member, error) {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		before, err := c.store.GetMemberships(ctx, identity)
		if err != nil {
			return nil, nil, err
		}
		locked := map[string]struct{}{roomId: {}}
		keys := []string{identityLock(identity), roomLock(roomId)}
		for _, m := range before {
			locked[m.RoomId] = struct{}{}
			keys = append(keys, roomLock(m.RoomId))
		}
		unlock := c.locks.Lock(keys...)
		after, err := c.store.GetMemberships(ctx, identity)
		if err != nil {
			unlock()
			return nil, nil, err
		}
		covered := true
		for _, m := range after {
			if _, ok := locked[m.RoomId]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return unlock, after, nil
		}
		unlock()
	}
	return nil, nil, fmt.Errorf("%w: memberships of %s kept changing", types.ErrInternal, identity)
}

// lockConnection locks the room the connection is bound to and returns its key. ok is false for unknown
// connections.
func (c *Coordinator) lockConnection(connId string) (key types.MemberKey, unlock func(), ok bool) {
	for i := 0; i < 3; i++ {
		key, ok = c.presence.Lookup(connId)
		if !ok {
			return key, nil, false
		}
		unlock = c.locks.Lock(roomLock(key.RoomId))
		again, found := c.presence.Lookup(connId)
		if found && again == key {
			return key, unlock, true
		}
		unlock()
	}
	return key, nil, false
}

// Status is a point-in-time view for operators.
type Status struct {
	Rooms             int            `json:"rooms"`
	Presence          presence.Stats `json:"presence"`
	GraceTimers       int            `json:"grace_timers"`
	QueuedTeardowns   int            `json:"queued_teardowns"`
	DeferredTeardowns int            `json:"deferred_teardowns"`
	Tunnel            TunnelStatus   `json:"tunnel"`
}

type TunnelStatus struct {
	Reachable bool   `json:"reachable"`
	Hubs      int    `json:"hubs"`
	Error     string `json:"error,omitempty"`
}

func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	rooms, err := c.store.GetRooms(ctx)
	if err != nil {
		return nil, err
	}
	deferred, err := c.ledger.Len()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Rooms:             len(rooms),
		Presence:          c.presence.Stats(),
		GraceTimers:       c.evictor.Pending(),
		QueuedTeardowns:   c.teardowns.queued(),
		DeferredTeardowns: deferred,
	}
	hubs, err := c.tunnel.ListHubs(ctx)
	if err != nil {
		st.Tunnel.Error = err.Error()
	} else {
		st.Tunnel.Reachable = true
		st.Tunnel.Hubs = len(hubs)
	}
	return st, nil
}

// Teardowns returns the deferred tunnel teardowns waiting for the sweep.
func (c *Coordinator) Teardowns() ([]*persistence.Teardown, error) {
	return c.ledger.List()
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
