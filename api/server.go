// Package api exposes the room coordinator over HTTP and upgrades realtime connections.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ghaiht95/genmob/auth"
	"github.com/ghaiht95/genmob/lobby"
	"github.com/ghaiht95/genmob/types"
	"github.com/ghaiht95/genmob/ws"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
)

const maxBodySize = 64 << 10

type Server struct {
	coordinator *lobby.Coordinator
	hub         *ws.Hub
	auth        *auth.Authenticator
	logger      hclog.Logger
	upgrader    websocket.Upgrader
	// ctx outlives single requests, realtime connections run under it
	ctx context.Context
}

func NewServer(ctx context.Context, c *lobby.Coordinator, hub *ws.Hub, a *auth.Authenticator, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		coordinator: c,
		hub:         hub,
		auth:        a,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx: ctx,
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms", s.listRooms).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id}", s.getRoom).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id}/join", s.joinRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{id}/leave", s.leaveRoom).Methods(http.MethodPost)
	router.HandleFunc("/rooms/{id}/members", s.members).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id}/members/{identity}", s.checkPlayer).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id}/messages", s.messages).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{id}/messages", s.sendMessage).Methods(http.MethodPost)
	router.HandleFunc("/status", s.status).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.serveWebsocket).Methods(http.MethodGet)
	return router
}

func statusOf(err error) int {
	switch types.ErrorCode(err) {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeConflict, types.CodeCapacity:
		return http.StatusConflict
	case types.CodeProvisioner:
		return http.StatusBadGateway
	case types.CodeInvalid:
		return http.StatusBadRequest
	case types.CodeForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("could not write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.writeJSON(w, status, types.ErrorReply{Code: types.ErrorCode(err), Message: err.Error()})
}

// readJSON decodes an optional request body into v.
func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: body: %v", types.ErrInvalid, err)
	}
	return nil
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Identify(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := lobby.CreateRequest{}
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Owner = identity
	res, err := s.coordinator.CreateRoom(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.coordinator.ListRooms(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	info, err := s.coordinator.GetRoom(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Identify(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := struct {
		Secret string `json:"secret"`
	}{}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.coordinator.JoinRoom(r.Context(), lobby.JoinRequest{RoomId: mux.Vars(r)["id"], Identity: identity, Secret: body.Secret})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Identify(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := struct {
		IsLastKnown bool `json:"is_last_known"`
	}{}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.coordinator.LeaveRoom(r.Context(), mux.Vars(r)["id"], identity, body.IsLastKnown)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) members(w http.ResponseWriter, r *http.Request) {
	members, err := s.coordinator.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, members)
}

func (s *Server) checkPlayer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exists, err := s.coordinator.CheckPlayer(r.Context(), vars["id"], vars["identity"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.PlayerChecked{RoomId: vars["id"], Identity: vars["identity"], Exists: exists})
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative number", types.ErrInvalid))
			return
		}
	}
	msgs, err := s.coordinator.Messages(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Identify(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := struct {
		Body string `json:"body"`
	}{}
	if err := readJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.coordinator.SendMessage(r.Context(), mux.Vars(r)["id"], identity, body.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.coordinator.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		*lobby.Status
		Clients int `json:"clients"`
	}{st, s.hub.NoClients()})
}

// Handle incoming websockets
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Identify(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade error", "error", err)
		return
	}
	c := ws.NewClient(s.hub, s.coordinator, conn, identity)
	s.logger.Debug("realtime connection opened", "conn", c.Id(), "identity", identity)
	c.Serve(s.ctx)
}
