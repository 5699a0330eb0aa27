package hub

import (
	"strconv"
	"strings"
)

// maxNameLength bounds display names, counted in code points after trimming.
const maxNameLength = 32

// SessionState holds the per-slot ready flag and display name plus the
// process-wide travel mode flag. Entries exist only for occupied slots;
// snapshots fill the full 1..8 range with defaults. Guarded by the Hub
// mutex.
type SessionState struct {
	ready  map[int]bool
	names  map[int]string
	travel bool
}

func NewSessionState() *SessionState {
	return &SessionState{
		ready: make(map[int]bool),
		names: make(map[int]string),
	}
}

// InitSlot registers a freshly attached slot with ready=false and an
// empty name.
func (s *SessionState) InitSlot(id int) {
	s.ready[id] = false
	s.names[id] = ""
}

// ClearSlot removes all state for a detached slot.
func (s *SessionState) ClearSlot(id int) {
	delete(s.ready, id)
	delete(s.names, id)
}

func (s *SessionState) SetReady(id int, value bool) {
	if _, ok := s.ready[id]; !ok {
		return
	}
	s.ready[id] = value
}

// SetName trims surrounding whitespace and truncates to 32 code points.
func (s *SessionState) SetName(id int, name string) {
	if _, ok := s.names[id]; !ok {
		return
	}
	trimmed := strings.TrimSpace(name)
	if runes := []rune(trimmed); len(runes) > maxNameLength {
		trimmed = string(runes[:maxNameLength])
	}
	s.names[id] = trimmed
}

func (s *SessionState) Name(id int) string {
	return s.names[id]
}

func (s *SessionState) ResetAllReady() {
	for id := range s.ready {
		s.ready[id] = false
	}
}

// AllReady reports whether at least one slot is occupied and every
// occupied slot is ready. This is the gate for start_request.
func (s *SessionState) AllReady() bool {
	if len(s.ready) == 0 {
		return false
	}
	for _, ready := range s.ready {
		if !ready {
			return false
		}
	}
	return true
}

func (s *SessionState) SetTravel(active bool) {
	s.travel = active
}

func (s *SessionState) Travel() bool {
	return s.travel
}

// Snapshot produces the canonical ready/name mappings covering every slot
// id 1..8, defaulting unoccupied slots to false and "". Keys are strings
// because the wire format is a JSON object.
func (s *SessionState) Snapshot() (map[string]bool, map[string]string) {
	agents := make(map[string]bool, MaxAgents)
	names := make(map[string]string, MaxAgents)
	for id := 1; id <= MaxAgents; id++ {
		key := strconv.Itoa(id)
		agents[key] = s.ready[id]
		names[key] = s.names[id]
	}
	return agents, names
}
