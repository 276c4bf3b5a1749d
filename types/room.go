package types

import (
	"time"

	"gorm.io/datatypes"
)

const HubPrefix = "room_"

// Room is a named, capacity bounded group of members. CurrentCount is denormalized and is kept equal to the number
// of Member rows by the store; a room without members is deleted.
type Room struct {
	Id           string            `json:"id" gorm:"primaryKey;size:36"`
	Name         string            `json:"name" gorm:"uniqueIndex;size:128;not null"`
	Description  string            `json:"description"`
	Owner        string            `json:"owner" gorm:"size:255;not null"`
	Private      bool              `json:"private"`
	Secret       string            `json:"-"`
	Capacity     int               `json:"capacity"`
	CurrentCount int               `json:"current_count"`
	Tags         datatypes.JSONMap `json:"tags"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"-"`
}

// HubName is the name of the tunnel hub that belongs to the room.
func (r *Room) HubName() string {
	return HubName(r.Id)
}

// Free returns the number of remaining slots.
func (r *Room) Free() int {
	if r.CurrentCount >= r.Capacity {
		return 0
	}
	return r.Capacity - r.CurrentCount
}

func HubName(roomId string) string {
	return HubPrefix + roomId
}

// RoomIdFromHub is the inverse of HubName. ok is false for hubs that do not follow the room naming scheme.
func RoomIdFromHub(hub string) (roomId string, ok bool) {
	if len(hub) <= len(HubPrefix) || hub[:len(HubPrefix)] != HubPrefix {
		return "", false
	}
	return hub[len(HubPrefix):], true
}
