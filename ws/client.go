package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghaiht95/genmob/lobby"
	"github.com/ghaiht95/genmob/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"
)

const (
	sendChannelSize    = 256
	disconnectTimeout  = 30 * time.Second
	eventHandleTimeout = 2 * time.Minute
)

// Lobby is the part of the room coordinator the realtime transport drives.
type Lobby interface {
	Attach(ctx context.Context, connId, roomId, identity string) (*types.Room, error)
	JoinRoom(ctx context.Context, req lobby.JoinRequest) (*lobby.JoinResult, error)
	LeaveRoom(ctx context.Context, roomId, identity string, isLastKnown bool) (*lobby.LeaveResult, error)
	Heartbeat(ctx context.Context, roomId, identity, connId string) error
	SendMessage(ctx context.Context, roomId, identity, body string) (*types.Message, error)
	CheckPlayer(ctx context.Context, roomId, identity string) (bool, error)
	HandleDisconnect(ctx context.Context, connId string)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub   *Hub
	lobby Lobby

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Only the hub closes it.
	Send chan []byte

	id       string
	identity string

	// bound room, guarded by the hub lock
	room string

	logger   hclog.Logger
	doneChan chan struct{}

	// keeps track of the running read/write loops
	sync.WaitGroup
}

func NewClient(hub *Hub, l Lobby, conn *websocket.Conn, identity string) *Client {
	id := uuid.NewString()
	return &Client{
		hub:      hub,
		lobby:    l,
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		id:       id,
		identity: identity,
		logger:   hub.logger.With("conn", id, "identity", identity),
		doneChan: make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

// Serve runs the connection until it is closed and hands the disconnect to the coordinator afterwards.
func (c *Client) Serve(ctx context.Context) {
	c.hub.register(c)
	c.Add(2)
	go c.ReadLoop(ctx)
	go c.WriteLoop()
	<-c.doneChan
	c.Wait()
	c.hub.unregister(c)

	dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	c.lobby.HandleDisconnect(dctx, c.id)
	c.logger.Debug("connection closed")
}

// send must be called with the hub lock held. A client that does not keep up loses messages instead of blocking
// the sender.
func (c *Client) send(data []byte) {
	select {
	case c.Send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message")
	}
}

func (c *Client) reply(event string, data interface{}) {
	raw, err := json.Marshal(types.Notification{Event: event, Data: data})
	if err != nil {
		c.logger.Error("could not marshal reply", "event", event, "error", err)
		return
	}
	c.hub.RLock()
	defer c.hub.RUnlock()
	if _, ok := c.hub.clients[c]; ok {
		c.send(raw)
	}
}

func (c *Client) replyError(event string, err error) {
	code := types.ErrorCode(err)
	if code == types.CodeInternal {
		c.logger.Error("event failed", "event", event, "error", err)
	} else {
		c.logger.Debug("event rejected", "event", event, "code", code, "error", err)
	}
	c.reply(types.EventError, types.ErrorReply{Event: event, Code: code, Message: err.Error()})
}

// ReadLoop pumps messages from the websocket connection to the coordinator.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop(ctx context.Context) {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
		c.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws closed unexpectedly", "error", err)
			}
			return
		}
		message := types.WebsocketMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			c.replyError("", fmt.Errorf("%w: %v", types.ErrInvalid, err))
			continue
		}
		c.dispatch(ctx, message)
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}

func decode(data json.RawMessage, out interface{}) error {
	m := make(map[string]interface{})
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: %v", types.ErrInvalid, err)
		}
	}
	if err := mapstructure.WeakDecode(m, out); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalid, err)
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, message types.WebsocketMessage) {
	ctx, cancel := context.WithTimeout(ctx, eventHandleTimeout)
	defer cancel()
	var err error
	switch message.Event {
	case types.EventJoin:
		err = c.handleJoin(ctx, message.Data)
	case types.EventLeave:
		err = c.handleLeave(ctx, message.Data)
	case types.EventHeartbeat:
		err = c.handleHeartbeat(ctx, message.Data)
	case types.EventSendMessage:
		err = c.handleSendMessage(ctx, message.Data)
	case types.EventCheckPlayer:
		err = c.handleCheckPlayer(ctx, message.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", types.ErrInvalid, message.Event)
	}
	if err != nil {
		c.replyError(message.Event, err)
	}
}

// roomOf falls back to the bound room when the payload names none.
func (c *Client) roomOf(roomId string) string {
	if roomId != "" {
		return roomId
	}
	return c.hub.boundRoom(c)
}

// handleJoin attaches the connection to an existing membership, or joins the room if there is none.
func (c *Client) handleJoin(ctx context.Context, data json.RawMessage) error {
	p := types.JoinPayload{}
	if err := decode(data, &p); err != nil {
		return err
	}
	room, err := c.lobby.Attach(ctx, c.id, p.RoomId, c.identity)
	reply := types.JoinedReply{Room: room}
	if errors.Is(err, types.ErrMemberNotFound) {
		var res *lobby.JoinResult
		res, err = c.lobby.JoinRoom(ctx, lobby.JoinRequest{RoomId: p.RoomId, Identity: c.identity, Secret: p.Secret, ConnId: c.id})
		if err == nil {
			reply = types.JoinedReply{Room: res.Room, Credential: res.Credential, Rejoined: res.Rejoined}
		}
	}
	if err != nil {
		return err
	}
	c.hub.bind(c, p.RoomId)
	c.reply(types.EventJoined, reply)
	return nil
}

func (c *Client) handleLeave(ctx context.Context, data json.RawMessage) error {
	p := types.LeavePayload{}
	if err := decode(data, &p); err != nil {
		return err
	}
	roomId := c.roomOf(p.RoomId)
	res, err := c.lobby.LeaveRoom(ctx, roomId, c.identity, p.IsLastKnown)
	if err != nil {
		return err
	}
	if c.hub.boundRoom(c) == roomId {
		c.hub.unbind(c)
	}
	c.reply(types.EventLeft, types.LeftReply{RoomId: roomId, Remaining: res.Remaining})
	return nil
}

func (c *Client) handleHeartbeat(ctx context.Context, data json.RawMessage) error {
	p := types.HeartbeatPayload{}
	if err := decode(data, &p); err != nil {
		return err
	}
	roomId := c.roomOf(p.RoomId)
	if err := c.lobby.Heartbeat(ctx, roomId, c.identity, c.id); err != nil {
		return err
	}
	c.hub.bind(c, roomId)
	return nil
}

func (c *Client) handleSendMessage(ctx context.Context, data json.RawMessage) error {
	p := types.SendMessagePayload{}
	if err := decode(data, &p); err != nil {
		return err
	}
	_, err := c.lobby.SendMessage(ctx, c.roomOf(p.RoomId), c.identity, p.Body)
	return err
}

func (c *Client) handleCheckPlayer(ctx context.Context, data json.RawMessage) error {
	p := types.CheckPlayerPayload{}
	if err := decode(data, &p); err != nil {
		return err
	}
	roomId := c.roomOf(p.RoomId)
	identity := p.Identity
	if identity == "" {
		identity = c.identity
	}
	exists, err := c.lobby.CheckPlayer(ctx, roomId, identity)
	if err != nil {
		return err
	}
	c.reply(types.EventPlayerChecked, types.PlayerChecked{RoomId: roomId, Identity: identity, Exists: exists})
	return nil
}
