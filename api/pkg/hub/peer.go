package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// sendQueueSize bounds each peer's outbound queue. Control frames
	// are small; a peer that cannot drain 64 of them is effectively
	// dead and gets its connection closed.
	sendQueueSize = 64

	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Peer is one attached client: the owning slot id, the websocket
// connection and a bounded outbound queue drained by a single write
// pump, so all writes to the connection are serialized.
type Peer struct {
	AgentID int

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// detached is guarded by the Hub mutex.
	detached bool
}

func newPeer(agentID int, conn *websocket.Conn) *Peer {
	return &Peer{
		AgentID: agentID,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
	}
}

// enqueue queues a serialized frame for delivery. Returns false when the
// peer's queue is full; the caller treats that peer as dead.
func (p *Peer) enqueue(frame []byte) bool {
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the connection down and stops the write pump. Idempotent.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

// writePump drains the outbound queue onto the connection and keeps the
// connection alive with periodic pings. The read loop notices the
// closed connection when this returns on a write error.
func (p *Peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Int("agent_id", p.AgentID).Err(err).Msg("peer write failed")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Int("agent_id", p.AgentID).Err(err).Msg("peer ping failed")
				return
			}
		}
	}
}
