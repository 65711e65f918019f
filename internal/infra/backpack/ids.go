package backpack

import (
	"hash/crc32"
	"strconv"
	"sync"
)

// IDRegistry maps string client order ids onto Backpack's uint32 clientId.
// The forward mapping is a crc32 of the string, so a client id always maps to
// the same number. The reverse map lives in memory only: orders left by an
// earlier process come back as their decimal clientId.
type IDRegistry struct {
	mu      sync.RWMutex
	reverse map[uint32]string
}

func NewIDRegistry() *IDRegistry {
	return &IDRegistry{reverse: make(map[uint32]string)}
}

// Register returns the numeric id for clientID and remembers the reverse mapping.
func (r *IDRegistry) Register(clientID string) uint32 {
	id := crc32.ChecksumIEEE([]byte(clientID))
	r.mu.Lock()
	r.reverse[id] = clientID
	r.mu.Unlock()
	return id
}

// Lookup returns the string id registered for id. Orders placed by other
// processes come back as their decimal representation.
func (r *IDRegistry) Lookup(id uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.reverse[id]
	if !ok {
		return formatID(id), false
	}
	return s, true
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
