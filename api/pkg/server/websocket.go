package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// maxFramePayload bounds inbound frames; video chunks can be large.
	maxFramePayload = 5 << 20 // 5 MiB

	pongWait = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 256 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket runs the connection lifecycle: admit (or refuse) the
// peer, then loop dispatching text frames to the protocol handler and
// binary frames to the stream pipeline until the connection dies.
func (s *RaidlinkAPIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxFramePayload)

	p, err := s.hub.Attach(conn)
	if err != nil {
		s.refuseConnection(conn, r.RemoteAddr)
		return
	}
	defer s.hub.Detach(p)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Int("agent_id", p.AgentID).Err(err).Msg("websocket read error")
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			s.hub.HandleText(p, data)
		case websocket.BinaryMessage:
			s.hub.HandleBinary(p, data)
		}
	}
}

// refuseConnection sends the pre-admission error frame and closes with a
// policy-violation code, leaving the occupied slot set untouched.
func (s *RaidlinkAPIServer) refuseConnection(conn *websocket.Conn, remote string) {
	log.Warn().Str("remote", remote).Msg("refusing connection, server full")

	_ = conn.WriteJSON(map[string]string{
		"type":    "error",
		"message": "Server full (max 8 agents)",
	})
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "server full")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	_ = conn.Close()
}
