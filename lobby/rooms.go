package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ghaiht95/genmob/filter"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/ghaiht95/genmob/types"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type CreateRequest struct {
	Name        string                 `json:"name"`
	Owner       string                 `json:"owner"`
	Description string                 `json:"description"`
	// Capacity must be at least 1. Zero stands for an omitted field and becomes the configured default capacity.
	Capacity    int                    `json:"capacity"`
	Private     bool                   `json:"private"`
	Secret      string                 `json:"secret"`
	Tags        map[string]interface{} `json:"tags"`
	// ConnId binds the owner to a realtime connection right away.
	ConnId string `json:"-"`
}

type CreateResult struct {
	Room       *types.Room       `json:"room"`
	Member     *types.Member     `json:"member"`
	Credential *types.Credential `json:"credential"`
	MovedFrom  []string          `json:"moved_from,omitempty"`
}

type JoinRequest struct {
	RoomId   string `json:"room_id"`
	Identity string `json:"identity"`
	Secret   string `json:"secret"`
	ConnId   string `json:"-"`
}

type JoinResult struct {
	Room       *types.Room       `json:"room"`
	Member     *types.Member     `json:"member"`
	Credential *types.Credential `json:"credential"`
	// Rejoined is set when the identity was already a live member; the credential carries a fresh secret.
	Rejoined  bool     `json:"rejoined"`
	MovedFrom []string `json:"moved_from,omitempty"`
}

type LeaveResult struct {
	RoomId     string `json:"room_id"`
	Remaining  int    `json:"remaining_count"`
	WasMember  bool   `json:"was_member"`
	RoomClosed bool   `json:"room_closed"`
	NewHost    string `json:"new_host,omitempty"`
}

// RoomInfo is the public view of a room.
type RoomInfo struct {
	Id           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Owner        string                 `json:"owner"`
	Private      bool                   `json:"private"`
	Capacity     int                    `json:"capacity"`
	CurrentCount int                    `json:"current_count"`
	Free         int                    `json:"free"`
	Tags         map[string]interface{} `json:"tags,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

func NewRoomInfo(r *types.Room) *RoomInfo {
	return &RoomInfo{
		Id:           r.Id,
		Name:         r.Name,
		Description:  r.Description,
		Owner:        r.Owner,
		Private:      r.Private,
		Capacity:     r.Capacity,
		CurrentCount: r.CurrentCount,
		Free:         r.Free(),
		Tags:         r.Tags,
		CreatedAt:    r.CreatedAt,
	}
}

func checkAccess(r *types.Room, secret string) error {
	if r.Private && r.Secret != secret {
		return fmt.Errorf("%w: room %s needs the correct access secret", types.ErrForbidden, r.Id)
	}
	return nil
}

// CreateRoom provisions the hub and the owner credential, then stores the room with its owner as host. Nothing is
// stored if provisioning fails; if storing fails the hub is torn down again. An owner who is a member elsewhere is
// moved out of that room.
func (c *Coordinator) CreateRoom(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || utf8.RuneCountInString(req.Name) > maxNameLength {
		return nil, invalid("room name must have 1 to %d characters", maxNameLength)
	}
	if req.Owner == "" {
		return nil, invalid("owner identity required")
	}
	capacity := req.Capacity
	if capacity == 0 {
		capacity = c.opts.DefaultCapacity
	}
	if capacity < 1 || capacity > c.opts.MaxCapacity {
		return nil, invalid("capacity must be between 1 and %d", c.opts.MaxCapacity)
	}
	if req.Private && req.Secret == "" {
		return nil, invalid("private rooms need an access secret")
	}
	_, err := c.store.GetRoomByName(ctx, req.Name)
	if err == nil {
		return nil, types.ErrRoomNameTaken
	}
	if !isNotFound(err) {
		return nil, err
	}

	now := c.now()
	r := &types.Room{
		Id:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Owner:       req.Owner,
		Private:     req.Private,
		Secret:      req.Secret,
		Capacity:    capacity,
		Tags:        datatypes.JSONMap(req.Tags),
		CreatedAt:   now,
	}
	owner := &types.Member{
		RoomId:   r.Id,
		Identity: req.Owner,
		Handle:   tunnel.Handle(req.Owner),
		Host:     true,
		JoinedAt: now,
	}
	hub := r.HubName()
	secret, err := tunnel.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	logger := c.logger.With("room", r.Id, "name", r.Name, "owner", req.Owner)

	unlockTunnel := c.locks.Lock(hubLock(hub), userLock(hub, owner.Handle))
	defer unlockTunnel()
	err = c.tunnel.EnsureUser(ctx, hub, owner.Handle, secret)
	if err != nil {
		logger.Warn("provisioning failed, room not created", "error", err)
		c.teardowns.enqueue(hubTeardown(r.Id))
		return nil, fmt.Errorf("create room %q: %w", r.Name, err)
	}

	unlock, memberships, err := c.lockWithMemberships(ctx, r.Id, req.Owner)
	if err != nil {
		c.teardowns.enqueue(hubTeardown(r.Id))
		return nil, err
	}
	defer unlock()
	err = c.store.CreateRoom(ctx, r, owner)
	if err != nil {
		logger.Warn("storing room failed, tearing down its hub", "error", err)
		c.teardowns.enqueue(hubTeardown(r.Id))
		return nil, err
	}
	c.roster.Invalidate(r.Id)
	res := &CreateResult{Room: r, Member: owner, Credential: c.credential(hub, owner.Handle, secret)}
	for _, m := range memberships {
		if m.RoomId == r.Id {
			continue
		}
		if _, err := c.leaveLocked(ctx, m.RoomId, m.Identity); err != nil {
			// the new room exists; the old membership is repaired by an explicit leave or the next join
			logger.Error("could not move owner out of previous room", "previous", m.RoomId, "error", err)
			continue
		}
		res.MovedFrom = append(res.MovedFrom, m.RoomId)
	}
	if req.ConnId != "" {
		c.presence.Register(req.ConnId, owner.Key())
	}
	logger.Info("room created", "capacity", r.Capacity, "private", r.Private)
	c.notifyRooms(r.Id, r.CurrentCount, false)
	return res, nil
}

// JoinRoom adds identity to a room and returns a fresh credential. A live member joining again gets a rotated
// credential; a member without presence gets ErrAlreadyJoined. Membership in another room is ended first.
func (c *Coordinator) JoinRoom(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.RoomId == "" || req.Identity == "" {
		return nil, invalid("room id and identity required")
	}
	r, err := c.store.GetRoom(ctx, req.RoomId)
	if err != nil {
		return nil, err
	}
	if err := checkAccess(r, req.Secret); err != nil {
		return nil, err
	}
	key := types.MemberKey{RoomId: req.RoomId, Identity: req.Identity}
	hub := r.HubName()
	handle := tunnel.Handle(req.Identity)
	logger := c.logger.With("room", req.RoomId, "identity", req.Identity)

	// the user lock keeps background teardowns of this credential out until the member row is written
	unlockTunnel := c.locks.Lock(userLock(hub, handle))
	defer unlockTunnel()
	c.teardowns.cancel(userTeardown(req.RoomId, req.Identity, handle))

	rejoin := false
	_, err = c.store.GetMember(ctx, req.RoomId, req.Identity)
	switch {
	case err == nil:
		if !c.presence.Live(key) {
			return nil, types.ErrAlreadyJoined
		}
		rejoin = true
	case isNotFound(err):
		if r.CurrentCount >= r.Capacity {
			return nil, types.ErrCapacity
		}
	default:
		return nil, err
	}

	secret, err := tunnel.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	err = c.tunnel.EnsureUser(ctx, hub, handle, secret)
	if err != nil {
		logger.Warn("credential provisioning failed", "error", err)
		if !rejoin {
			c.teardowns.enqueue(userTeardown(req.RoomId, req.Identity, handle))
		}
		return nil, fmt.Errorf("join room %s: %w", req.RoomId, err)
	}

	unlock, memberships, err := c.lockWithMemberships(ctx, req.RoomId, req.Identity)
	if err != nil {
		c.teardowns.enqueue(userTeardown(req.RoomId, req.Identity, handle))
		return nil, err
	}
	defer unlock()
	res, err := c.joinLocked(ctx, req, handle, memberships)
	if err != nil {
		// the worker re-checks the store, a member that is still there keeps its credential
		c.teardowns.enqueue(userTeardown(req.RoomId, req.Identity, handle))
		if errors.Is(err, types.ErrRoomNotFound) {
			c.teardowns.enqueue(hubTeardown(req.RoomId))
		}
		return nil, err
	}
	res.Credential = c.credential(hub, handle, secret)
	if res.Rejoined {
		logger.Info("member rejoined, credential rotated")
	} else {
		logger.Info("member joined", "count", res.Room.CurrentCount, "moved_from", res.MovedFrom)
	}
	return res, nil
}

// joinLocked runs with the target room and all current rooms of the identity locked.
func (c *Coordinator) joinLocked(ctx context.Context, req JoinRequest, handle string, memberships []*types.Member) (*JoinResult, error) {
	key := types.MemberKey{RoomId: req.RoomId, Identity: req.Identity}
	r, err := c.store.GetRoom(ctx, req.RoomId)
	if err != nil {
		return nil, err
	}
	for _, m := range memberships {
		if m.RoomId != req.RoomId {
			continue
		}
		if !c.presence.Live(key) {
			return nil, types.ErrAlreadyJoined
		}
		c.evictor.Cancel(key)
		if req.ConnId != "" {
			c.presence.Register(req.ConnId, key)
		} else {
			c.presence.ClearGrace(key)
		}
		return &JoinResult{Room: r, Member: m, Rejoined: true}, nil
	}
	// checked before anything is moved, a full room must not cost the old membership
	if r.CurrentCount >= r.Capacity {
		return nil, types.ErrCapacity
	}
	moved := make([]string, 0)
	for _, m := range memberships {
		if _, err := c.leaveLocked(ctx, m.RoomId, m.Identity); err != nil {
			return nil, fmt.Errorf("leave previous room %s: %w", m.RoomId, err)
		}
		moved = append(moved, m.RoomId)
	}
	member := &types.Member{
		RoomId:   req.RoomId,
		Identity: req.Identity,
		Handle:   handle,
		JoinedAt: c.now(),
	}
	r, err = c.store.AddMember(ctx, member)
	if err != nil {
		return nil, err
	}
	c.roster.Invalidate(req.RoomId)
	c.evictor.Cancel(key)
	if req.ConnId != "" {
		c.presence.Register(req.ConnId, key)
	} else {
		c.presence.ClearGrace(key)
	}
	c.notifyJoined(ctx, r, member)
	res := &JoinResult{Room: r, Member: member}
	if len(moved) > 0 {
		res.MovedFrom = moved
	}
	return res, nil
}

// LeaveRoom removes identity from the room. Leaving a room one is not in, or a room that does not exist, succeeds.
// isLastKnown is only a hint from the client; whether the room closes is decided by the store.
func (c *Coordinator) LeaveRoom(ctx context.Context, roomId, identity string, isLastKnown bool) (*LeaveResult, error) {
	if roomId == "" || identity == "" {
		return nil, invalid("room id and identity required")
	}
	unlock := c.locks.Lock(roomLock(roomId))
	defer unlock()
	res, err := c.leaveLocked(ctx, roomId, identity)
	if err != nil {
		return nil, err
	}
	if isLastKnown && !res.RoomClosed {
		c.logger.Debug("client expected to be the last member, store disagrees", "room", roomId, "remaining", res.Remaining)
	}
	if res.WasMember {
		c.logger.Info("member left", "room", roomId, "identity", identity, "remaining", res.Remaining, "closed", res.RoomClosed)
	}
	return res, nil
}

// leaveLocked removes the member row and then everything that hangs off it. The room lock must be held.
func (c *Coordinator) leaveLocked(ctx context.Context, roomId, identity string) (*LeaveResult, error) {
	key := types.MemberKey{RoomId: roomId, Identity: identity}
	rm, err := c.store.RemoveMember(ctx, roomId, identity)
	if err != nil {
		return nil, err
	}
	c.evictor.Cancel(key)
	c.presence.Forget(key)
	res := &LeaveResult{RoomId: roomId, Remaining: rm.Remaining, RoomClosed: rm.RoomDeleted, WasMember: rm.Member != nil}
	if rm.Room == nil {
		c.roster.Forget(roomId)
		return res, nil
	}
	if rm.RoomDeleted {
		c.roomClosed(roomId)
		return res, nil
	}
	c.roster.Invalidate(roomId)
	if rm.Member == nil {
		return res, nil
	}
	c.teardowns.enqueue(userTeardown(roomId, identity, rm.Member.Handle))
	c.notifier.Notify(roomId, types.Notification{
		Event: types.EventMemberLeft,
		Data:  types.MemberEvent{RoomId: roomId, Identity: identity},
	})
	if rm.NewHost != nil {
		res.NewHost = rm.NewHost.Identity
		c.notifyHostChanged(roomId, rm.NewHost.Identity)
	}
	c.notifyMembers(ctx, roomId)
	c.notifyRooms(roomId, rm.Remaining, false)
	return res, nil
}

// roomClosed cleans up after the store deleted a room.
func (c *Coordinator) roomClosed(roomId string) {
	c.roster.Forget(roomId)
	c.teardowns.enqueue(hubTeardown(roomId))
	c.notifier.Notify(roomId, types.Notification{Event: types.EventRoomClosed, Data: types.RoomClosed{RoomId: roomId}})
	c.notifyRooms(roomId, 0, true)
	c.logger.Info("room closed", "room", roomId)
}

// CloseRoom deletes a room with all its members, regardless of who is connected.
func (c *Coordinator) CloseRoom(ctx context.Context, roomId string) ([]*types.Member, error) {
	unlock := c.locks.Lock(roomLock(roomId))
	defer unlock()
	members, err := c.store.DeleteRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		c.evictor.Cancel(m.Key())
		c.presence.Forget(m.Key())
	}
	c.roomClosed(roomId)
	return members, nil
}

// ListRooms returns all rooms matching the filter expression; an empty expression matches everything.
func (c *Coordinator) ListRooms(ctx context.Context, filterExpr string) ([]*RoomInfo, error) {
	rooms, err := c.store.GetRooms(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err = filter.Rooms(filterExpr, rooms)
	if err != nil {
		return nil, err
	}
	infos := make([]*RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, NewRoomInfo(r))
	}
	return infos, nil
}

func (c *Coordinator) GetRoom(ctx context.Context, roomId string) (*RoomInfo, error) {
	r, err := c.store.GetRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}
	return NewRoomInfo(r), nil
}

// Members returns the roster of a room in join order.
func (c *Coordinator) Members(ctx context.Context, roomId string) ([]*types.Member, error) {
	if _, err := c.store.GetRoom(ctx, roomId); err != nil {
		return nil, err
	}
	return c.roster.Members(ctx, roomId)
}
