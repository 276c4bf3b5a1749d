package types

import "time"

// Member is the participation of one identity in one room. (RoomId, Identity) is unique; Seq is the insertion order
// and breaks ties between members that joined at the same instant.
type Member struct {
	Seq      uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	RoomId   string    `json:"room_id" gorm:"size:36;not null;uniqueIndex:idx_member_room_identity,priority:1"`
	Identity string    `json:"identity" gorm:"size:255;not null;uniqueIndex:idx_member_room_identity,priority:2;index"`
	Handle   string    `json:"handle" gorm:"size:64;not null"`
	Host     bool      `json:"host"`
	JoinedAt time.Time `json:"joined_at"`
}

func (m *Member) Key() MemberKey {
	return MemberKey{RoomId: m.RoomId, Identity: m.Identity}
}

// MemberKey identifies a (room, identity) pair in the presence registry and the grace period bookkeeping.
type MemberKey struct {
	RoomId   string
	Identity string
}

func (k MemberKey) String() string {
	return k.RoomId + "/" + k.Identity
}
