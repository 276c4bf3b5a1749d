package lobby

import (
	"context"

	"github.com/ghaiht95/genmob/types"
)

// Attach binds a realtime connection to an existing member and ends a pending grace period. It returns
// ErrMemberNotFound if identity is not a member of the room; the caller joins it then.
func (c *Coordinator) Attach(ctx context.Context, connId, roomId, identity string) (*types.Room, error) {
	if connId == "" || roomId == "" || identity == "" {
		return nil, invalid("connection, room id and identity required")
	}
	unlock := c.locks.Lock(roomLock(roomId))
	defer unlock()
	if _, err := c.store.GetMember(ctx, roomId, identity); err != nil {
		return nil, err
	}
	r, err := c.store.GetRoom(ctx, roomId)
	if err != nil {
		return nil, err
	}
	key := types.MemberKey{RoomId: roomId, Identity: identity}
	if c.evictor.Cancel(key) {
		c.logger.Debug("reconnected within grace period", "room", roomId, "identity", identity)
	}
	c.presence.Register(connId, key)
	return r, nil
}

// HandleDisconnect starts the grace period for the member behind connId once its last connection is gone. Unknown
// connections are ignored.
func (c *Coordinator) HandleDisconnect(ctx context.Context, connId string) {
	key, unlock, ok := c.lockConnection(connId)
	if !ok {
		return
	}
	defer unlock()
	_, err := c.store.GetMember(ctx, key.RoomId, key.Identity)
	if isNotFound(err) {
		// left through another path already
		c.presence.Unregister(connId)
		if len(c.presence.Connections(key)) == 0 {
			c.presence.Forget(key)
		}
		return
	}
	if err != nil {
		c.logger.Warn("membership check failed on disconnect, starting grace period", "room", key.RoomId, "identity", key.Identity, "error", err)
	}
	_, generation, graced, found := c.presence.Disconnect(connId)
	if !found || !graced {
		return
	}
	c.evictor.Schedule(key, generation)
	c.logger.Debug("grace period started", "room", key.RoomId, "identity", key.Identity, "generation", generation, "delay", c.evictor.Delay())
}

// Heartbeat keeps a member alive: a pending grace timer is cancelled and connId, if given, is bound to the member.
func (c *Coordinator) Heartbeat(ctx context.Context, roomId, identity, connId string) error {
	if roomId == "" || identity == "" {
		return invalid("room id and identity required")
	}
	key := types.MemberKey{RoomId: roomId, Identity: identity}
	unlock := c.locks.Lock(roomLock(roomId))
	defer unlock()
	member, err := c.roster.Contains(ctx, roomId, identity)
	if err != nil {
		return err
	}
	if !member {
		if connId != "" {
			if bound, ok := c.presence.Lookup(connId); ok && bound == key {
				c.presence.Unregister(connId)
			}
		}
		c.presence.ClearGrace(key)
		return types.ErrMemberNotFound
	}
	c.evictor.Cancel(key)
	if connId != "" {
		c.presence.Register(connId, key)
	} else {
		c.presence.ClearGrace(key)
	}
	return nil
}

// graceExpired runs when a grace timer fires. The grace entry is taken under the room lock, so a heartbeat and the
// timer cannot both win.
func (c *Coordinator) graceExpired(key types.MemberKey, generation uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), graceRemovalTimeout)
	defer cancel()
	unlock := c.locks.Lock(roomLock(key.RoomId))
	defer unlock()
	if !c.presence.TakeGrace(key, generation) {
		c.logger.Debug("grace timer lost to a reconnect", "room", key.RoomId, "identity", key.Identity)
		return
	}
	res, err := c.leaveLocked(ctx, key.RoomId, key.Identity)
	if err != nil {
		c.logger.Error("removal after grace period failed, retrying later", "room", key.RoomId, "identity", key.Identity, "error", err)
		c.evictor.Schedule(key, c.presence.MarkGrace(key, ""))
		return
	}
	c.logger.Info("member removed after grace period", "room", key.RoomId, "identity", key.Identity,
		"remaining", res.Remaining, "closed", res.RoomClosed, "new_host", res.NewHost)
}
