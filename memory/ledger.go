package memory

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"
)

type Allocation struct {
	Addr      uintptr
	Size      uint64
	AllocSize uint64
	Type      Type
	At        time.Time
}

// Ledger keeps the set of live allocations of one or more backends.
type Ledger struct {
	mu   sync.Mutex
	data map[uintptr]Allocation
}

func NewLedger() *Ledger {
	return &Ledger{
		data: make(map[uintptr]Allocation),
	}
}

func (l *Ledger) AddAlloc(a Allocation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if old, exists := l.data[a.Addr]; exists {
		slog.Warn(fmt.Sprintf("address 0x%x already allocated (old size: %d, new size: %d)", a.Addr, old.Size, a.Size))
	}
	l.data[a.Addr] = a
}

// FreeAlloc drops addr from the ledger and reports whether it was known.
func (l *Ledger) FreeAlloc(addr uintptr) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.data[addr]; !exists {
		slog.Warn(fmt.Sprintf("no record for address 0x%x", addr))
		return false
	}
	delete(l.data, addr)
	return true
}

func (l *Ledger) Snapshot() map[uintptr]Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[uintptr]Allocation, len(l.data))
	maps.Copy(out, l.data)
	return out
}

// Live lists the live allocations, largest first.
func (l *Ledger) Live() []Allocation {
	snapshot := l.Snapshot()
	out := make([]Allocation, 0, len(snapshot))
	for _, a := range snapshot {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AllocSize != out[j].AllocSize {
			return out[i].AllocSize > out[j].AllocSize
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

func (l *Ledger) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total uint64
	for _, a := range l.data {
		total += a.AllocSize
	}
	return total
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.data)
}

type tracked struct {
	Backend
	typ    Type
	ledger *Ledger
}

// Track records every allocation and free made through b in ledger.
func Track(b Backend, typ Type, ledger *Ledger) Backend {
	return &tracked{Backend: b, typ: typ, ledger: ledger}
}

func (t *tracked) AllocateBuffer(alignment int, size uint64) (*Buffer, error) {
	buf, err := t.Backend.AllocateBuffer(alignment, size)
	if err != nil {
		return nil, err
	}
	t.ledger.AddAlloc(Allocation{
		Addr:      buf.Addr,
		Size:      buf.Size,
		AllocSize: buf.AllocSize,
		Type:      t.typ,
		At:        time.Now(),
	})
	return buf, nil
}

func (t *tracked) FreeBuffer(buf *Buffer) error {
	if err := t.Backend.FreeBuffer(buf); err != nil {
		return err
	}
	t.ledger.FreeAlloc(buf.Addr)
	return nil
}
