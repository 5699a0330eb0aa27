// Package hub is the coordination core: it owns the slot registry, the
// shared ready/name/travel state and the set of attached peers, and it
// interprets the client text protocol, fanning resulting frames out to
// every peer.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/raidlink/raidlink/api/pkg/stream"
)

// ErrServerFull is returned by Attach when all agent slots are occupied.
var ErrServerFull = fmt.Errorf("server full (max %d agents)", MaxAgents)

// Hub guards all shared coordination state with a single mutex. Every
// broadcast is issued while the state change it reports is already
// committed, and broadcasts are pushed to all peer queues under the same
// lock, so no peer can observe frames reordered relative to another.
type Hub struct {
	mu    sync.Mutex
	slots *SlotRegistry
	state *SessionState
	peers map[int]*Peer

	streams *stream.Manager

	broadcasts atomic.Int64
}

func New(streams *stream.Manager) *Hub {
	return &Hub{
		slots:   NewSlotRegistry(),
		state:   NewSessionState(),
		peers:   make(map[int]*Peer),
		streams: streams,
	}
}

// Attach admits a new connection: acquires the lowest free slot, starts
// the peer's write pump, sends the agent_assigned frame to the new peer
// only and broadcasts the resulting ready_state to everyone. Returns
// ErrServerFull when no slot is free; the caller refuses the connection.
func (h *Hub) Attach(conn *websocket.Conn) (*Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.peers) >= MaxAgents {
		return nil, ErrServerFull
	}
	id, ok := h.slots.Acquire()
	if !ok {
		return nil, ErrServerFull
	}

	h.state.InitSlot(id)
	p := newPeer(id, conn)
	h.peers[id] = p
	go p.writePump()

	agents, names := h.state.Snapshot()
	h.sendLocked(p, agentAssignedFrame{
		Type:    "agent_assigned",
		AgentID: id,
		Agents:  agents,
		Names:   names,
	})
	h.broadcastReadyStateLocked()

	log.Info().Int("agent_id", id).Int("clients", len(h.peers)).Msg("agent attached")
	return p, nil
}

// Detach tears down a peer: stops its pipeline asynchronously, clears
// its slot state, frees the slot and broadcasts the new ready_state.
// Idempotent per peer.
func (h *Hub) Detach(p *Peer) {
	h.mu.Lock()
	if p.detached {
		h.mu.Unlock()
		return
	}
	p.detached = true
	delete(h.peers, p.AgentID)
	h.state.ClearSlot(p.AgentID)
	h.slots.Release(p.AgentID)
	h.broadcastReadyStateLocked()
	clients := len(h.peers)
	h.mu.Unlock()

	p.Close()
	h.streams.StopAsync(p.AgentID)

	log.Info().Int("agent_id", p.AgentID).Int("clients", clients).Msg("agent detached")
}

// HandleText dispatches one inbound text frame from a peer.
func (h *Hub) HandleText(p *Peer, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Int("agent_id", p.AgentID).Err(err).Msg("unparseable text frame")
		return
	}

	switch frame.Type {
	case msgStreamStart:
		h.handleStreamStart(p)
	case msgStreamStop:
		h.streams.StopAsync(p.AgentID)
	case msgPing:
		h.send(p, pongFrame{Type: "pong", Timestamp: time.Now().UnixMilli()})
	default:
		h.dispatchState(p, frame)
	}
}

// dispatchState handles the frame types that mutate shared coordination
// state, entirely under the hub lock so state commit and the resulting
// broadcasts are atomic.
func (h *Hub) dispatchState(p *Peer, frame inboundFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if p.detached {
		log.Warn().Int("agent_id", p.AgentID).Str("type", frame.Type).Msg("frame from detached peer dropped")
		return
	}

	switch frame.Type {
	case msgReady:
		h.state.SetReady(p.AgentID, frame.Value)
		h.broadcastReadyStateLocked()

	case msgSetName:
		h.state.SetName(p.AgentID, frame.Name)
		h.broadcastReadyStateLocked()

	case msgStartRequest:
		if !h.state.AllReady() {
			h.sendLocked(p, errorFrame{Type: "error", Message: "All connected users must be Ready to start"})
			return
		}
		// The countdown anchor is the sender's clock, echoed verbatim.
		// Both frames go out under one lock hold so every peer sees
		// them adjacent.
		h.broadcastLocked(countdownFrame{Type: "countdown", Timestamp: frame.Timestamp, Duration: CountdownDuration})
		h.broadcastLocked(startFrame{Type: "start", Timestamp: frame.Timestamp, StarterAgentID: p.AgentID})
		log.Info().Int("starter_agent_id", p.AgentID).Int64("timestamp", frame.Timestamp).Msg("countdown started")

	case msgTravelRequest:
		h.state.ResetAllReady()
		h.state.SetTravel(true)
		h.broadcastLocked(travelModeFrame{Type: "travel_mode", Active: true})
		h.broadcastReadyStateLocked()

	case msgExecuteTravel:
		if !h.state.Travel() {
			h.sendLocked(p, errorFrame{Type: "error", Message: "Not in travel mode"})
			return
		}
		h.broadcastLocked(typeOnlyFrame{Type: "execute_travel"})
		h.state.SetTravel(false)
		h.state.ResetAllReady()
		h.broadcastLocked(travelModeFrame{Type: "travel_mode", Active: false})
		h.broadcastReadyStateLocked()

	case msgResetRaid:
		h.state.SetTravel(false)
		h.state.ResetAllReady()
		h.broadcastLocked(travelModeFrame{Type: "travel_mode", Active: false})
		h.broadcastLocked(typeOnlyFrame{Type: "reset"})
		h.broadcastReadyStateLocked()

	default:
		log.Warn().Int("agent_id", p.AgentID).Str("type", frame.Type).Msg("unknown frame type ignored")
	}
}

// HandleBinary routes a binary video chunk to the peer's pipeline, if
// one is active. Runs outside the hub lock so ingest can never stall
// coordination state.
func (h *Hub) HandleBinary(p *Peer, data []byte) {
	h.streams.Ingest(p.AgentID, data)
}

func (h *Hub) handleStreamStart(p *Peer) {
	h.mu.Lock()
	detached := p.detached
	name := h.state.Name(p.AgentID)
	h.mu.Unlock()
	if detached {
		return
	}

	// Spawning the transcoder touches disk and forks a process; it runs
	// outside the hub lock. The manager broadcasts stream_status via
	// its status callback once the session is live.
	if err := h.streams.Start(p.AgentID, name); err != nil {
		if errors.Is(err, stream.ErrAlreadyStreaming) {
			h.send(p, errorFrame{Type: "error", Message: "Already streaming"})
			return
		}
		log.Error().Int("agent_id", p.AgentID).Err(err).Msg("stream pipeline start failed")
	}
}

// BroadcastStreamStatus sends the current active-stream set to every
// peer. Wired as the stream manager's status callback.
func (h *Hub) BroadcastStreamStatus() {
	infos := h.streams.Active()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(streamStatusFrame{Type: "stream_status", Streams: infos})
}

// CloseAll closes every attached peer connection. Each peer's read loop
// then runs the normal detach path. Used during graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

// PeerCount returns the number of attached peers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// BroadcastCount returns the number of frames broadcast since start.
func (h *Hub) BroadcastCount() int64 {
	return h.broadcasts.Load()
}

// send delivers a frame to a single peer without touching hub state.
func (h *Hub) send(p *Peer, frame interface{}) {
	h.sendSerialized(p, mustMarshal(frame))
}

func (h *Hub) sendLocked(p *Peer, frame interface{}) {
	h.sendSerialized(p, mustMarshal(frame))
}

func (h *Hub) sendSerialized(p *Peer, data []byte) {
	if data == nil {
		return
	}
	if !p.enqueue(data) {
		// The peer stopped draining its queue; close the connection and
		// let its read loop drive the detach.
		log.Warn().Int("agent_id", p.AgentID).Msg("peer send queue overflow, closing connection")
		p.Close()
	}
}

// broadcastLocked serializes a frame once and pushes it to every
// attached peer's queue. Callers hold the hub mutex, which is what makes
// the bus ordering guarantee hold.
func (h *Hub) broadcastLocked(frame interface{}) {
	data := mustMarshal(frame)
	if data == nil {
		return
	}
	for _, p := range h.peers {
		h.sendSerialized(p, data)
	}
	h.broadcasts.Add(1)
}

func (h *Hub) broadcastReadyStateLocked() {
	agents, names := h.state.Snapshot()
	h.broadcastLocked(readyStateFrame{Type: "ready_state", Agents: agents, Names: names})
}

func mustMarshal(frame interface{}) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("frame marshal failed")
		return nil
	}
	return data
}
