package lobby

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/persistence"
	"github.com/ghaiht95/genmob/retry"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/ghaiht95/genmob/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

type note struct {
	Room  string
	Event string
	Data  interface{}
}

type recorder struct {
	mu    sync.Mutex
	notes []note
}

func (r *recorder) Notify(roomId string, n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note{Room: roomId, Event: n.Event, Data: n.Data})
}

func (r *recorder) NotifyAll(n types.Notification) {
	r.Notify("*", n)
}

func (r *recorder) find(event string) []note {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := make([]note, 0)
	for _, n := range r.notes {
		if n.Event == event {
			found = append(found, n)
		}
	}
	return found
}

type fixture struct {
	c      *Coordinator
	store  *persistence.GormPersist
	mem    *tunnel.Memory
	notes  *recorder
	ledger *persistence.TeardownLedger
	dsn    string
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	return newFixtureWithStore(t, grace, nil)
}

// newFixtureWithStore lets wrap stand between the coordinator and the sqlite store.
func newFixtureWithStore(t *testing.T, grace time.Duration, wrap func(persistence.Persister) persistence.Persister) *fixture {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "lobby.db") + "?_busy_timeout=5000"
	store, err := persistence.NewGormPersister(config.PersistenceConfig{Type: "sqlite", DSN: dsn}, fastPolicy, nil)
	require.NoError(t, err)
	ledger, err := persistence.NewTeardownLedger(":memory:")
	require.NoError(t, err)
	mem := tunnel.NewMemory()
	notes := &recorder{}
	var backing persistence.Persister = store
	if wrap != nil {
		backing = wrap(store)
	}
	c, err := New(backing, tunnel.NewVerified(mem, fastPolicy, nil), ledger, notes, Options{
		GracePeriod: grace,
		ServerIP:    "203.0.113.7",
		ServerPort:  443,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		c.Shutdown()
		cancel()
		<-done
		ledger.Close()
		store.Close()
	})
	return &fixture{c: c, store: store, mem: mem, notes: notes, ledger: ledger, dsn: dsn}
}

func (f *fixture) create(t *testing.T, name, owner string, capacity int, connId string) *CreateResult {
	t.Helper()
	res, err := f.c.CreateRoom(context.Background(), CreateRequest{Name: name, Owner: owner, Capacity: capacity, ConnId: connId})
	require.NoError(t, err)
	return res
}

func (f *fixture) join(t *testing.T, roomId, identity, connId string) *JoinResult {
	t.Helper()
	res, err := f.c.JoinRoom(context.Background(), JoinRequest{RoomId: roomId, Identity: identity, ConnId: connId})
	require.NoError(t, err)
	return res
}

// assertConsistent checks the count and host invariants of a room against the member rows.
func (f *fixture) assertConsistent(t *testing.T, roomId string) []*types.Member {
	t.Helper()
	ctx := context.Background()
	r, err := f.store.GetRoom(ctx, roomId)
	require.NoError(t, err)
	members, err := f.store.GetMembers(ctx, roomId)
	require.NoError(t, err)
	require.NotEmpty(t, members)
	assert.Equal(t, len(members), r.CurrentCount)
	hosts := 0
	for _, m := range members {
		if m.Host {
			hosts++
			assert.Equal(t, r.Owner, m.Identity)
		}
	}
	assert.Equal(t, 1, hosts)
	return members
}

func (f *fixture) hubGone(roomId string) func() bool {
	return func() bool {
		hubs, err := f.mem.ListHubs(context.Background())
		if err != nil {
			return false
		}
		for _, h := range hubs {
			if h == types.HubName(roomId) {
				return false
			}
		}
		return true
	}
}

func TestAlphaLifecycle(t *testing.T) {
	grace := 150 * time.Millisecond
	f := newFixture(t, grace)
	ctx := context.Background()

	created := f.create(t, "Alpha", "u1", 2, "c1")
	roomId := created.Room.Id
	assert.True(t, created.Member.Host)
	assert.Equal(t, types.HubName(roomId), created.Credential.Hub)
	assert.Equal(t, tunnel.Handle("u1"), created.Credential.Username)
	assert.Equal(t, "203.0.113.7", created.Credential.Server)
	secret, ok := f.mem.Secret(created.Credential.Hub, created.Credential.Username)
	require.True(t, ok)
	assert.Equal(t, secret, created.Credential.Password)
	assert.Len(t, f.assertConsistent(t, roomId), 1)

	joined := f.join(t, roomId, "u2", "c2")
	assert.False(t, joined.Member.Host)
	assert.Equal(t, 2, joined.Room.CurrentCount)
	f.assertConsistent(t, roomId)

	// disconnect and come back within the grace period
	f.c.HandleDisconnect(ctx, "c1")
	assert.True(t, f.c.Presence().InGrace(types.MemberKey{RoomId: roomId, Identity: "u1"}))
	require.NoError(t, f.c.Heartbeat(ctx, roomId, "u1", "c1b"))
	time.Sleep(2 * grace)
	members := f.assertConsistent(t, roomId)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].Identity)
	assert.True(t, members[0].Host)

	// disconnect for good
	f.c.HandleDisconnect(ctx, "c1b")
	require.Eventually(t, func() bool {
		exists, err := f.c.CheckPlayer(ctx, roomId, "u1")
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond)
	members = f.assertConsistent(t, roomId)
	require.Len(t, members, 1)
	assert.Equal(t, "u2", members[0].Identity)
	changed := f.notes.find(types.EventHostChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, types.HostChanged{RoomId: roomId, NewHost: "u2"}, changed[0].Data)

	left, err := f.c.LeaveRoom(ctx, roomId, "u2", true)
	require.NoError(t, err)
	assert.True(t, left.RoomClosed)
	assert.Equal(t, 0, left.Remaining)
	_, err = f.c.GetRoom(ctx, roomId)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
	require.Eventually(t, f.hubGone(roomId), 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.notes.find(types.EventRoomClosed), 1)
}

func TestJoinFullRoom(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Full", "u1", 2, "")
	f.join(t, created.Room.Id, "u2", "")

	_, err := f.c.JoinRoom(ctx, JoinRequest{RoomId: created.Room.Id, Identity: "u3"})
	assert.ErrorIs(t, err, types.ErrCapacity)
	assert.Equal(t, types.CodeCapacity, types.ErrorCode(err))
	assert.Len(t, f.assertConsistent(t, created.Room.Id), 2)
	assert.Len(t, f.mem.Users(created.Credential.Hub), 2)
}

func TestJoinMovesMembership(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	a := f.create(t, "A", "u1", 4, "")
	f.join(t, a.Room.Id, "u3", "")
	b := f.create(t, "B", "u2", 4, "")

	moved := f.join(t, b.Room.Id, "u3", "")
	assert.Equal(t, []string{a.Room.Id}, moved.MovedFrom)
	assert.Len(t, f.assertConsistent(t, a.Room.Id), 1)
	assert.Len(t, f.assertConsistent(t, b.Room.Id), 2)
	require.Eventually(t, func() bool {
		_, ok := f.mem.Secret(a.Credential.Hub, tunnel.Handle("u3"))
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// the last member moving out closes the old room
	f.join(t, b.Room.Id, "u1", "")
	_, err := f.c.GetRoom(ctx, a.Room.Id)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
	assert.Len(t, f.assertConsistent(t, b.Room.Id), 3)
	require.Eventually(t, f.hubGone(a.Room.Id), 2*time.Second, 10*time.Millisecond)
}

func TestJoinFullRoomKeepsOldMembership(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.create(t, "A", "u1", 2, "")
	f.join(t, a.Room.Id, "u3", "")
	b := f.create(t, "B", "u2", 1, "")

	_, err := f.c.JoinRoom(context.Background(), JoinRequest{RoomId: b.Room.Id, Identity: "u3"})
	assert.ErrorIs(t, err, types.ErrCapacity)
	assert.Len(t, f.assertConsistent(t, a.Room.Id), 2)
}

func TestCreateRoomMovesOwner(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.create(t, "A", "u1", 2, "")
	f.join(t, a.Room.Id, "u2", "")

	b := f.create(t, "B", "u2", 2, "")
	assert.Equal(t, []string{a.Room.Id}, b.MovedFrom)
	assert.Len(t, f.assertConsistent(t, a.Room.Id), 1)
	assert.Len(t, f.assertConsistent(t, b.Room.Id), 1)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Twice", "u1", 3, "")
	f.join(t, created.Room.Id, "u2", "")

	first, err := f.c.LeaveRoom(ctx, created.Room.Id, "u2", false)
	require.NoError(t, err)
	assert.True(t, first.WasMember)
	assert.Equal(t, 1, first.Remaining)

	second, err := f.c.LeaveRoom(ctx, created.Room.Id, "u2", false)
	require.NoError(t, err)
	assert.False(t, second.WasMember)
	assert.Equal(t, 1, second.Remaining)
	assert.Len(t, f.assertConsistent(t, created.Room.Id), 1)

	unknown, err := f.c.LeaveRoom(ctx, "no-such-room", "u2", false)
	require.NoError(t, err)
	assert.False(t, unknown.WasMember)
	assert.Len(t, f.notes.find(types.EventMemberLeft), 1)
}

func TestLeaveHostMigratesToEarliest(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Hosts", "u1", 4, "")
	f.join(t, created.Room.Id, "u2", "")
	f.join(t, created.Room.Id, "u3", "")

	res, err := f.c.LeaveRoom(ctx, created.Room.Id, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, "u2", res.NewHost)
	members := f.assertConsistent(t, created.Room.Id)
	assert.Equal(t, "u2", members[0].Identity)
	assert.True(t, members[0].Host)
}

func TestRejoin(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Again", "u1", 3, "c1")

	again, err := f.c.JoinRoom(ctx, JoinRequest{RoomId: created.Room.Id, Identity: "u1", ConnId: "c1"})
	require.NoError(t, err)
	assert.True(t, again.Rejoined)
	assert.NotEqual(t, created.Credential.Password, again.Credential.Password)
	secret, _ := f.mem.Secret(again.Credential.Hub, again.Credential.Username)
	assert.Equal(t, again.Credential.Password, secret)
	assert.Len(t, f.assertConsistent(t, created.Room.Id), 1)

	// a member without any presence is stale state, not a reconnect
	f.join(t, created.Room.Id, "u2", "")
	_, err = f.c.JoinRoom(ctx, JoinRequest{RoomId: created.Room.Id, Identity: "u2"})
	assert.ErrorIs(t, err, types.ErrAlreadyJoined)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestJoinValidation(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	res, err := f.c.CreateRoom(ctx, CreateRequest{Name: "Secret", Owner: "u1", Private: true, Secret: "letmein"})
	require.NoError(t, err)

	_, err = f.c.JoinRoom(ctx, JoinRequest{RoomId: res.Room.Id, Identity: "u2", Secret: "wrong"})
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = f.c.JoinRoom(ctx, JoinRequest{RoomId: res.Room.Id, Identity: "u2"})
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = f.c.JoinRoom(ctx, JoinRequest{RoomId: res.Room.Id, Identity: "u2", Secret: "letmein"})
	assert.NoError(t, err)

	_, err = f.c.JoinRoom(ctx, JoinRequest{RoomId: "missing", Identity: "u2"})
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
	_, err = f.c.JoinRoom(ctx, JoinRequest{RoomId: res.Room.Id})
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestCreateRoomValidation(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	f.create(t, "Taken", "u1", 2, "")

	_, err := f.c.CreateRoom(ctx, CreateRequest{Name: "Taken", Owner: "u2"})
	assert.ErrorIs(t, err, types.ErrRoomNameTaken)
	_, err = f.c.CreateRoom(ctx, CreateRequest{Name: "  ", Owner: "u2"})
	assert.ErrorIs(t, err, types.ErrInvalid)
	_, err = f.c.CreateRoom(ctx, CreateRequest{Name: "Huge", Owner: "u2", Capacity: 1000})
	assert.ErrorIs(t, err, types.ErrInvalid)
	_, err = f.c.CreateRoom(ctx, CreateRequest{Name: "Closed", Owner: "u2", Private: true})
	assert.ErrorIs(t, err, types.ErrInvalid)
	_, err = f.c.CreateRoom(ctx, CreateRequest{Name: "Negative", Owner: "u2", Capacity: -1})
	assert.ErrorIs(t, err, types.ErrInvalid)

	res, err := f.c.CreateRoom(ctx, CreateRequest{Name: "Defaults", Owner: "u2"})
	require.NoError(t, err)
	assert.Equal(t, defaultCapacity, res.Room.Capacity)
}

func TestCreateRoomRollsBackOnProvisionerFailure(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	f.mem.SetFailHook(func(op, hub, user string) error {
		if op == "CreateUser" {
			return errors.New("vpncmd: connection refused")
		}
		return nil
	})

	_, err := f.c.CreateRoom(ctx, CreateRequest{Name: "Broken", Owner: "u1", Capacity: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProvisioner)
	assert.Equal(t, types.CodeProvisioner, types.ErrorCode(err))
	rooms, err := f.c.ListRooms(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rooms)
	require.Eventually(t, func() bool {
		hubs, err := f.mem.ListHubs(ctx)
		return err == nil && len(hubs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	f.mem.SetFailHook(nil)
	f.create(t, "Broken", "u1", 2, "")
}

func TestJoinProvisionerFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, time.Minute)
	created := f.create(t, "Flaky", "u1", 3, "")
	f.mem.SetFailHook(func(op, hub, user string) error {
		if op == "CreateUser" {
			return errors.New("timeout")
		}
		return nil
	})
	_, err := f.c.JoinRoom(context.Background(), JoinRequest{RoomId: created.Room.Id, Identity: "u2"})
	assert.ErrorIs(t, err, types.ErrProvisioner)
	assert.Len(t, f.assertConsistent(t, created.Room.Id), 1)
}

func TestLeaveSucceedsWhenTeardownFails(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Leaky", "u1", 3, "")
	f.join(t, created.Room.Id, "u2", "")
	f.mem.SetFailHook(func(op, hub, user string) error {
		if op == "DeleteUser" {
			return errors.New("vpncmd crashed")
		}
		return nil
	})

	res, err := f.c.LeaveRoom(ctx, created.Room.Id, "u2", false)
	require.NoError(t, err)
	assert.True(t, res.WasMember)
	require.Eventually(t, func() bool {
		n, err := f.ledger.Len()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	pending, err := f.c.Teardowns()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, persistence.TeardownUser, pending[0].Kind)
	assert.Equal(t, "u2", pending[0].Identity)

	f.mem.SetFailHook(nil)
	report, err := NewSweeper(f.c, SweepOptions{}, nil).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TeardownsCompleted)
	n, err := f.ledger.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := f.mem.Secret(created.Credential.Hub, tunnel.Handle("u2"))
	assert.False(t, ok)
}

func TestRejoinCancelsPendingTeardown(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Bounce", "u1", 3, "")
	f.join(t, created.Room.Id, "u2", "")
	_, err := f.c.LeaveRoom(ctx, created.Room.Id, "u2", false)
	require.NoError(t, err)
	again := f.join(t, created.Room.Id, "u2", "")

	// whatever the worker does with the old job, the fresh credential survives
	time.Sleep(50 * time.Millisecond)
	secret, ok := f.mem.Secret(again.Credential.Hub, again.Credential.Username)
	require.True(t, ok)
	assert.Equal(t, again.Credential.Password, secret)
}

func TestGraceRaceHasOneOutcome(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	created := f.create(t, "Race", "u0", 64, "")
	for i := 0; i < 20; i++ {
		identity := fmt.Sprintf("u%d", i+1)
		key := types.MemberKey{RoomId: created.Room.Id, Identity: identity}
		f.join(t, created.Room.Id, identity, "conn-"+identity)
		_, generation, graced, _ := f.c.Presence().Disconnect("conn-" + identity)
		require.True(t, graced)

		var wg sync.WaitGroup
		var hbErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			hbErr = f.c.Heartbeat(ctx, created.Room.Id, identity, "again-"+identity)
		}()
		go func() {
			defer wg.Done()
			f.c.graceExpired(key, generation)
		}()
		wg.Wait()

		exists, err := f.c.CheckPlayer(ctx, created.Room.Id, identity)
		require.NoError(t, err)
		leftNotes := 0
		for _, n := range f.notes.find(types.EventMemberLeft) {
			if n.Data == (types.MemberEvent{RoomId: created.Room.Id, Identity: identity}) {
				leftNotes++
			}
		}
		if exists {
			assert.NoError(t, hbErr)
			assert.True(t, f.c.Presence().Live(key))
			assert.Zero(t, leftNotes)
		} else {
			assert.ErrorIs(t, hbErr, types.ErrMemberNotFound)
			assert.False(t, f.c.Presence().Live(key))
			assert.Equal(t, 1, leftNotes)
		}
	}
	f.assertConsistent(t, created.Room.Id)
}

func TestHandleDisconnect(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	created := f.create(t, "Drops", "u1", 3, "c1")
	f.join(t, created.Room.Id, "u2", "c2")
	key := types.MemberKey{RoomId: created.Room.Id, Identity: "u2"}

	// a second connection keeps the member active
	require.NoError(t, f.c.Heartbeat(ctx, created.Room.Id, "u2", "c2b"))
	f.c.HandleDisconnect(ctx, "c2")
	assert.False(t, f.c.Presence().InGrace(key))
	f.c.HandleDisconnect(ctx, "c2b")
	assert.True(t, f.c.Presence().InGrace(key))
	assert.Equal(t, 1, f.c.evictor.Pending())

	// unknown connections are ignored
	f.c.HandleDisconnect(ctx, "nobody")

	// the member left through the store already: only bookkeeping is cleared
	_, err := f.store.RemoveMember(ctx, created.Room.Id, "u1")
	require.NoError(t, err)
	f.c.HandleDisconnect(ctx, "c1")
	assert.False(t, f.c.Presence().Live(types.MemberKey{RoomId: created.Room.Id, Identity: "u1"}))
	assert.Equal(t, 1, f.c.evictor.Pending())
}

func TestAttach(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	created := f.create(t, "Attach", "u1", 3, "")

	r, err := f.c.Attach(ctx, "c1", created.Room.Id, "u1")
	require.NoError(t, err)
	assert.Equal(t, created.Room.Id, r.Id)
	assert.True(t, f.c.Presence().Live(types.MemberKey{RoomId: created.Room.Id, Identity: "u1"}))

	_, err = f.c.Attach(ctx, "c2", created.Room.Id, "u2")
	assert.ErrorIs(t, err, types.ErrMemberNotFound)
}

func TestHeartbeatForNonMember(t *testing.T) {
	f := newFixture(t, time.Minute)
	created := f.create(t, "Beat", "u1", 3, "")
	err := f.c.Heartbeat(context.Background(), created.Room.Id, "stranger", "c9")
	assert.ErrorIs(t, err, types.ErrMemberNotFound)
	_, ok := f.c.Presence().Lookup("c9")
	assert.False(t, ok)
}

func TestConcurrentJoinsKeepCount(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Crowd", "owner", 5, "")

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined, full := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.c.JoinRoom(ctx, JoinRequest{RoomId: created.Room.Id, Identity: fmt.Sprintf("p%d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case errors.Is(err, types.ErrCapacity):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, joined)
	assert.Equal(t, 6, full)
	members := f.assertConsistent(t, created.Room.Id)
	require.Len(t, members, 5)

	for _, m := range members {
		wg.Add(1)
		go func(identity string) {
			defer wg.Done()
			_, err := f.c.LeaveRoom(ctx, created.Room.Id, identity, false)
			assert.NoError(t, err)
		}(m.Identity)
	}
	wg.Wait()
	_, err := f.c.GetRoom(ctx, created.Room.Id)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

// slowStore stretches the gap between reading memberships and writing the new member row.
type slowStore struct {
	persistence.Persister
	delay time.Duration
}

func (s *slowStore) AddMember(ctx context.Context, member *types.Member) (*types.Room, error) {
	time.Sleep(s.delay)
	return s.Persister.AddMember(ctx, member)
}

func (s *slowStore) CreateRoom(ctx context.Context, room *types.Room, owner *types.Member) error {
	time.Sleep(s.delay)
	return s.Persister.CreateRoom(ctx, room, owner)
}

func TestConcurrentJoinsOfOneIdentityMove(t *testing.T) {
	f := newFixtureWithStore(t, time.Minute, func(p persistence.Persister) persistence.Persister {
		return &slowStore{Persister: p, delay: 20 * time.Millisecond}
	})
	ctx := context.Background()
	a := f.create(t, "Left", "o1", 3, "")
	b := f.create(t, "Right", "o2", 3, "")

	for i := 0; i < 3; i++ {
		identity := fmt.Sprintf("x%d", i)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for j, roomId := range []string{a.Room.Id, b.Room.Id} {
			wg.Add(1)
			go func(j int, roomId string) {
				defer wg.Done()
				_, errs[j] = f.c.JoinRoom(ctx, JoinRequest{RoomId: roomId, Identity: identity})
			}(j, roomId)
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		memberships, err := f.store.GetMemberships(ctx, identity)
		require.NoError(t, err)
		assert.Len(t, memberships, 1, "%s is a member of more than one room", identity)
	}
	f.assertConsistent(t, a.Room.Id)
	f.assertConsistent(t, b.Room.Id)
}

func TestConcurrentCreateAndJoinOfOneIdentityMove(t *testing.T) {
	f := newFixtureWithStore(t, time.Minute, func(p persistence.Persister) persistence.Persister {
		return &slowStore{Persister: p, delay: 20 * time.Millisecond}
	})
	ctx := context.Background()
	existing := f.create(t, "Existing", "o1", 3, "")

	var wg sync.WaitGroup
	var createErr, joinErr error
	var created *CreateResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		created, createErr = f.c.CreateRoom(ctx, CreateRequest{Name: "Fresh", Owner: "y", Capacity: 3})
	}()
	go func() {
		defer wg.Done()
		_, joinErr = f.c.JoinRoom(ctx, JoinRequest{RoomId: existing.Room.Id, Identity: "y"})
	}()
	wg.Wait()
	require.NoError(t, createErr)
	require.NoError(t, joinErr)

	memberships, err := f.store.GetMemberships(ctx, "y")
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	f.assertConsistent(t, existing.Room.Id)
	if memberships[0].RoomId == existing.Room.Id {
		// the owner moved out of the fresh room, which was then closed
		_, err = f.c.GetRoom(ctx, created.Room.Id)
		assert.ErrorIs(t, err, types.ErrRoomNotFound)
	} else {
		assert.Equal(t, created.Room.Id, memberships[0].RoomId)
	}
}

func TestMessages(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	created := f.create(t, "Chat", "u1", 3, "")

	_, err := f.c.SendMessage(ctx, created.Room.Id, "stranger", "hi")
	assert.ErrorIs(t, err, types.ErrMemberNotFound)
	_, err = f.c.SendMessage(ctx, created.Room.Id, "u1", "   ")
	assert.ErrorIs(t, err, types.ErrInvalid)

	msg, err := f.c.SendMessage(ctx, created.Room.Id, "u1", " hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body)
	assert.Len(t, msg.Id, 16)
	sent := f.notes.find(types.EventNewMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, created.Room.Id, sent[0].Room)

	history, err := f.c.Messages(ctx, created.Room.Id, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.Id, history[0].Id)

	_, err = f.c.Messages(ctx, "missing", 10)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestListRoomsWithFilter(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	_, err := f.c.CreateRoom(ctx, CreateRequest{Name: "Coop", Owner: "u1", Capacity: 2, Tags: map[string]interface{}{"game": "coop"}})
	require.NoError(t, err)
	_, err = f.c.CreateRoom(ctx, CreateRequest{Name: "Solo", Owner: "u2", Capacity: 1})
	require.NoError(t, err)

	all, err := f.c.ListRooms(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	open, err := f.c.ListRooms(ctx, "Free > 0")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "Coop", open[0].Name)
	coop, err := f.c.ListRooms(ctx, `Tags["game"] == "coop"`)
	require.NoError(t, err)
	require.Len(t, coop, 1)

	_, err = f.c.ListRooms(ctx, "Free +")
	assert.ErrorIs(t, err, types.ErrInvalid)
}

func TestCloseRoom(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	created := f.create(t, "Doomed", "u1", 3, "c1")
	f.join(t, created.Room.Id, "u2", "c2")
	f.c.HandleDisconnect(ctx, "c2")

	members, err := f.c.CloseRoom(ctx, created.Room.Id)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Zero(t, f.c.evictor.Pending())
	assert.Equal(t, 0, f.c.Presence().Stats().Connections)
	require.Eventually(t, f.hubGone(created.Room.Id), 2*time.Second, 10*time.Millisecond)

	_, err = f.c.CloseRoom(ctx, created.Room.Id)
	assert.ErrorIs(t, err, types.ErrRoomNotFound)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	f.create(t, "Status", "u1", 3, "c1")

	st, err := f.c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Rooms)
	assert.Equal(t, 1, st.Presence.Connections)
	assert.True(t, st.Tunnel.Reachable)
	assert.Equal(t, 1, st.Tunnel.Hubs)

	f.mem.SetFailHook(func(op, hub, user string) error {
		return errors.New("server unreachable")
	})
	st, err = f.c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Tunnel.Reachable)
	assert.NotEmpty(t, st.Tunnel.Error)
}
