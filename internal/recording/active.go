package recording

import (
	"sync"

	"github.com/google/uuid"
)

// ActiveRecordings is the set of session IDs with an ongoing recording.
//
// It exists so that non-async callers (HTTP handlers, synchronous hooks) can
// answer "is this session being recorded?" without a round-trip through the
// manager. Only the manager mutates it; everything else just reads. For the
// detailed recording state use Handle.GetState.
type ActiveRecordings struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newActiveRecordings() *ActiveRecordings {
	return &ActiveRecordings{ids: make(map[uuid.UUID]struct{})}
}

func (a *ActiveRecordings) Contains(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.ids[id]
	return ok
}

// insert adds id and returns the new set size.
func (a *ActiveRecordings) insert(id uuid.UUID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids[id] = struct{}{}
	return len(a.ids)
}

func (a *ActiveRecordings) remove(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ids, id)
}
