package lobby

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ghaiht95/genmob/types"
)

// SendMessage stores a chat message from a member and broadcasts it to the room.
func (c *Coordinator) SendMessage(ctx context.Context, roomId, identity, body string) (*types.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, invalid("empty message")
	}
	if utf8.RuneCountInString(body) > c.opts.MaxMessageLength {
		return nil, invalid("message longer than %d characters", c.opts.MaxMessageLength)
	}
	member, err := c.roster.Contains(ctx, roomId, identity)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, types.ErrMemberNotFound
	}
	msg := &types.Message{
		RoomId:    roomId,
		Sender:    identity,
		Body:      body,
		CreatedAt: c.now(),
	}
	if err := msg.CreateId(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInternal, err)
	}
	if err := c.store.StoreMessage(ctx, msg); err != nil {
		return nil, err
	}
	c.notifier.Notify(roomId, types.Notification{Event: types.EventNewMessage, Data: msg})
	return msg, nil
}

// Messages returns up to limit of the latest messages of a room, oldest first.
func (c *Coordinator) Messages(ctx context.Context, roomId string, limit int) ([]*types.Message, error) {
	if _, err := c.store.GetRoom(ctx, roomId); err != nil {
		return nil, err
	}
	return c.store.GetMessages(ctx, roomId, limit)
}

// CheckPlayer reports whether identity is a member of the room. A missing room is not an error.
func (c *Coordinator) CheckPlayer(ctx context.Context, roomId, identity string) (bool, error) {
	_, err := c.store.GetMember(ctx, roomId, identity)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}
