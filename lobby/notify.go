package lobby

import (
	"context"

	"github.com/ghaiht95/genmob/types"
)

func (c *Coordinator) notifyJoined(ctx context.Context, r *types.Room, m *types.Member) {
	c.notifier.Notify(r.Id, types.Notification{
		Event: types.EventMemberJoined,
		Data:  types.MemberEvent{RoomId: r.Id, Identity: m.Identity},
	})
	c.notifyMembers(ctx, r.Id)
	c.notifyRooms(r.Id, r.CurrentCount, false)
}

func (c *Coordinator) notifyHostChanged(roomId, host string) {
	c.notifier.Notify(roomId, types.Notification{
		Event: types.EventHostChanged,
		Data:  types.HostChanged{RoomId: roomId, NewHost: host},
	})
}

// notifyMembers sends the current roster. A failed read only costs the update, the next change sends it again.
func (c *Coordinator) notifyMembers(ctx context.Context, roomId string) {
	members, err := c.roster.Members(ctx, roomId)
	if err != nil {
		c.logger.Warn("could not read roster for members_updated", "room", roomId, "error", err)
		return
	}
	c.notifier.Notify(roomId, types.Notification{
		Event: types.EventMembersUpdated,
		Data:  types.MembersUpdated{RoomId: roomId, Members: members},
	})
}

func (c *Coordinator) notifyRooms(roomId string, count int, closed bool) {
	c.notifier.NotifyAll(types.Notification{
		Event: types.EventRoomsUpdated,
		Data:  types.RoomsUpdated{RoomId: roomId, Count: count, Closed: closed},
	})
}
