package hub

// MaxAgents is the fixed size of the identity pool. Slot ids are 1..MaxAgents.
const MaxAgents = 8

// SlotRegistry manages the fixed pool of agent identity slots. Allocation
// is deterministic (lowest free id) so a reconnecting client gets a stable
// id whenever possible. Not safe for concurrent use on its own - the Hub
// mutex guards it.
type SlotRegistry struct {
	occupied [MaxAgents + 1]bool
}

func NewSlotRegistry() *SlotRegistry {
	return &SlotRegistry{}
}

// Acquire returns the lowest free slot id, or false when all slots are
// occupied.
func (r *SlotRegistry) Acquire() (int, bool) {
	for id := 1; id <= MaxAgents; id++ {
		if !r.occupied[id] {
			r.occupied[id] = true
			return id, true
		}
	}
	return 0, false
}

// Release marks a slot free. Releasing a free or out-of-range slot is a
// no-op.
func (r *SlotRegistry) Release(id int) {
	if id < 1 || id > MaxAgents {
		return
	}
	r.occupied[id] = false
}

// Occupied returns the occupied slot ids in ascending order.
func (r *SlotRegistry) Occupied() []int {
	ids := make([]int, 0, MaxAgents)
	for id := 1; id <= MaxAgents; id++ {
		if r.occupied[id] {
			ids = append(ids, id)
		}
	}
	return ids
}
