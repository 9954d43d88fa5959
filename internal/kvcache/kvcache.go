// Package kvcache owns the key/value storage of in-flight sequences.
//
// Storage is arena style: callers hold a Handle (slot index + generation)
// instead of a pointer, so growing a block by reallocation never invalidates
// the caller's reference. Capacity is accounted by reservation: Acquire
// charges the full reservation against the pool up front and Release returns
// exactly that amount, which keeps admission control simple and guarantees a
// running sequence can always grow up to its reservation.
package kvcache

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPoolExhausted is returned by Acquire when the reservation does not fit.
	ErrPoolExhausted = errors.New("kvcache: pool exhausted")
	// ErrReservationExceeded is returned by Grow past the block reservation.
	ErrReservationExceeded = errors.New("kvcache: reservation exceeded")
	// ErrDoubleRelease is returned when a handle is released twice.
	ErrDoubleRelease = errors.New("kvcache: double release")
	// ErrInvalidHandle is returned for unknown or stale handles.
	ErrInvalidHandle = errors.New("kvcache: invalid handle")
)

// Handle identifies a block inside a Manager. The zero Handle is invalid.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid reports whether h was produced by Acquire.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("kv#%d.%d", h.idx, h.gen) }

type slot struct {
	gen   uint32
	live  bool
	block *Block
}

// Stats is a point-in-time view of pool usage, in rows.
type Stats struct {
	PoolRows     int
	ReservedRows int
	UsedRows     int
	Blocks       int
	Grows        uint64
}

// Manager allocates blocks out of a fixed pool of rows.
type Manager struct {
	mu       sync.RWMutex
	width    int
	pool     int
	reserved int
	grows    uint64
	slots    []slot
	free     []uint32
}

// New creates a manager with poolRows rows of rowWidth floats each.
func New(poolRows, rowWidth int) *Manager {
	if rowWidth <= 0 {
		rowWidth = 1
	}
	return &Manager{width: rowWidth, pool: poolRows}
}

// RowWidth is the number of floats per cached position.
func (m *Manager) RowWidth() int { return m.width }

// Free returns the unreserved rows left in the pool.
func (m *Manager) Free() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool - m.reserved
}

// CanReserve reports whether a reservation of n rows would currently fit.
func (m *Manager) CanReserve(n int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return n >= 0 && m.reserved+n <= m.pool
}

// Acquire reserves `reserve` rows and allocates physical storage for
// `initial` rows (clamped to the reservation, minimum one row).
func (m *Manager) Acquire(reserve, initial int) (Handle, error) {
	if reserve <= 0 {
		return Handle{}, fmt.Errorf("kvcache: reservation must be positive, got %d", reserve)
	}
	if initial <= 0 {
		initial = 1
	}
	if initial > reserve {
		initial = reserve
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved+reserve > m.pool {
		return Handle{}, ErrPoolExhausted
	}
	b := &Block{
		width:    m.width,
		capRows:  initial,
		reserved: reserve,
		data:     make([]float32, initial*m.width),
	}
	var idx uint32
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, slot{})
		idx = uint32(len(m.slots) - 1)
	}
	s := &m.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.block = b
	m.reserved += reserve
	return Handle{idx: idx, gen: s.gen}, nil
}

func (m *Manager) lookup(h Handle) (*slot, error) {
	if !h.Valid() || int(h.idx) >= len(m.slots) {
		return nil, ErrInvalidHandle
	}
	s := &m.slots[h.idx]
	if s.gen != h.gen || !s.live {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// Block returns the block behind h.
func (m *Manager) Block(h Handle) (*Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.block, nil
}

// Grow extends the used length of the block to newLen. When newLen exceeds
// the physical capacity the storage is reallocated at double the capacity
// (clamped to the reservation) and only the used prefix is copied.
func (m *Manager) Grow(h Handle, newLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(h)
	if err != nil {
		return err
	}
	b := s.block
	if newLen <= b.used {
		return nil
	}
	if newLen > b.reserved {
		return fmt.Errorf("%w: want %d rows, reserved %d", ErrReservationExceeded, newLen, b.reserved)
	}
	if newLen > b.capRows {
		c := b.capRows
		for c < newLen {
			c *= 2
		}
		if c > b.reserved {
			c = b.reserved
		}
		data := make([]float32, c*b.width)
		copy(data, b.data[:b.used*b.width])
		b.data = data
		b.capRows = c
		m.grows++
	}
	b.used = newLen
	return nil
}

// Truncate shrinks the used length to n rows. Capacity is untouched.
func (m *Manager) Truncate(h Handle, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(h)
	if err != nil {
		return err
	}
	if n < 0 {
		n = 0
	}
	if n < s.block.used {
		s.block.used = n
	}
	return nil
}

// Release returns the block reservation to the pool. Releasing the same
// handle twice is a caller bug and reports ErrDoubleRelease without touching
// the accounting.
func (m *Manager) Release(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !h.Valid() || int(h.idx) >= len(m.slots) {
		return ErrInvalidHandle
	}
	s := &m.slots[h.idx]
	if s.gen != h.gen || !s.live {
		return ErrDoubleRelease
	}
	m.reserved -= s.block.reserved
	s.live = false
	s.block = nil
	m.free = append(m.free, h.idx)
	return nil
}

// Stats reports the current pool usage.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{PoolRows: m.pool, ReservedRows: m.reserved, Grows: m.grows}
	for i := range m.slots {
		if m.slots[i].live {
			st.Blocks++
			st.UsedRows += m.slots[i].block.used
		}
	}
	return st
}
