package persistence

import (
	"context"

	"github.com/ghaiht95/genmob/types"
)

// Persister is the durable room store. Every method that changes more than one row runs in a single transaction, and
// transient contention is retried before an error is returned.
type Persister interface {
	CreateRoom(ctx context.Context, room *types.Room, owner *types.Member) error
	GetRoom(ctx context.Context, roomId string) (*types.Room, error)
	GetRoomByName(ctx context.Context, name string) (*types.Room, error)
	GetRooms(ctx context.Context) ([]*types.Room, error)
	DeleteRoom(ctx context.Context, roomId string) ([]*types.Member, error)

	GetMember(ctx context.Context, roomId, identity string) (*types.Member, error)
	GetMembers(ctx context.Context, roomId string) ([]*types.Member, error)
	GetMemberships(ctx context.Context, identity string) ([]*types.Member, error)
	GetMemberKeys(ctx context.Context) (map[types.MemberKey]struct{}, error)
	AddMember(ctx context.Context, member *types.Member) (*types.Room, error)
	RemoveMember(ctx context.Context, roomId, identity string) (*RemoveResult, error)
	Reconcile(ctx context.Context, roomId string) (*ReconcileResult, error)

	StoreMessage(ctx context.Context, msg *types.Message) error
	GetMessages(ctx context.Context, roomId string, limit int) ([]*types.Message, error)

	Close() error
}

// RemoveResult describes the state of a room after a member was removed.
type RemoveResult struct {
	// Room is the room as it was read inside the transaction, nil if it did not exist.
	Room *types.Room
	// Member is the removed row, nil if the identity was not a member.
	Member      *types.Member
	Remaining   int
	NewHost     *types.Member
	RoomDeleted bool
}

type ReconcileResult struct {
	RoomId       string
	Count        int
	CountBefore  int
	HostRepaired *types.Member
	RoomDeleted  bool
}

func (r *ReconcileResult) Corrected() bool {
	return r.Count != r.CountBefore
}
