package types

import "encoding/json"

// Inbound realtime events.
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventHeartbeat   = "heartbeat"
	EventSendMessage = "send_message"
	EventCheckPlayer = "check_player"
)

// Outbound realtime events. The first group is broadcast to the members of a room, the second is a direct reply.
const (
	EventMemberJoined   = "member_joined"
	EventMemberLeft     = "member_left"
	EventMembersUpdated = "members_updated"
	EventHostChanged    = "host_changed"
	EventRoomClosed     = "room_closed"
	EventNewMessage     = "new_message"
	EventRoomsUpdated   = "rooms_updated"

	EventJoined        = "joined"
	EventLeft          = "left"
	EventPlayerChecked = "player_checked"
	EventError         = "error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Notification is an outbound event before it is put on the wire.
type Notification struct {
	Event string
	Data  interface{}
}

func (n Notification) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: n.Event, Data: data})
}

// Inbound payloads, decoded with mapstructure.WeakDecode.

type JoinPayload struct {
	RoomId string `mapstructure:"room_id"`
	Secret string `mapstructure:"secret"`
}

type LeavePayload struct {
	RoomId      string `mapstructure:"room_id"`
	IsLastKnown bool   `mapstructure:"is_last_known"`
}

type HeartbeatPayload struct {
	RoomId string `mapstructure:"room_id"`
}

type SendMessagePayload struct {
	RoomId string `mapstructure:"room_id"`
	Body   string `mapstructure:"body"`
}

type CheckPlayerPayload struct {
	RoomId   string `mapstructure:"room_id"`
	Identity string `mapstructure:"identity"`
}

// Outbound payloads.

type MemberEvent struct {
	RoomId   string `json:"room_id"`
	Identity string `json:"identity"`
}

type MembersUpdated struct {
	RoomId  string    `json:"room_id"`
	Members []*Member `json:"members"`
}

type HostChanged struct {
	RoomId  string `json:"room_id"`
	NewHost string `json:"new_host"`
}

type RoomClosed struct {
	RoomId string `json:"room_id"`
}

// RoomsUpdated tells every client that the room list changed; clients refetch it.
type RoomsUpdated struct {
	RoomId string `json:"room_id"`
	Count  int    `json:"current_count"`
	Closed bool   `json:"closed"`
}

type JoinedReply struct {
	Room       *Room       `json:"room"`
	Credential *Credential `json:"credential,omitempty"`
	Rejoined   bool        `json:"rejoined"`
}

type LeftReply struct {
	RoomId    string `json:"room_id"`
	Remaining int    `json:"remaining_count"`
}

type PlayerChecked struct {
	RoomId   string `json:"room_id"`
	Identity string `json:"identity"`
	Exists   bool   `json:"exists"`
}

type ErrorReply struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
