package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Message is a chat line posted to a room. Messages are removed together with their room.
type Message struct {
	Id        string    `json:"id" gorm:"primaryKey;size:16"`
	RoomId    string    `json:"room_id" gorm:"size:36;index;not null"`
	Sender    string    `json:"sender" gorm:"size:255"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// CreateId derives the message id from its content.
func (m *Message) CreateId() error {
	hash, err := hashstructure.Hash(struct {
		RoomId  string
		Sender  string
		Body    string
		Created int64
	}{m.RoomId, m.Sender, m.Body, m.CreatedAt.UnixNano()}, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = fmt.Sprintf("%016x", hash)
	return nil
}
