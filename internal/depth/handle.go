package depth

import (
	"sync"

	"github.com/google/uuid"
)

// Handle represents one consumer's claim on a set of instruments.
// Release is idempotent; a handle kept past Release stays harmless.
type Handle struct {
	id       uuid.UUID
	tokenIDs []string
	svc      *Service
	once     sync.Once
}

func newHandle(svc *Service, tokenIDs []string) *Handle {
	ids := make([]string, len(tokenIDs))
	copy(ids, tokenIDs)
	return &Handle{
		id:       uuid.New(),
		tokenIDs: ids,
		svc:      svc,
	}
}

// ID returns the handle's unique id.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// TokenIDs returns the instruments this handle holds.
func (h *Handle) TokenIDs() []string {
	ids := make([]string, len(h.tokenIDs))
	copy(ids, h.tokenIDs)
	return ids
}

// Release drops this handle's claim. Only the first call has any
// effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.svc.release(h.tokenIDs)
	})
}
