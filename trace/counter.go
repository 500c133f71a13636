//go:build linux

// Package trace counts calls into the MLU driver library with eBPF uprobes.
package trace

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

const DefaultLibPath = "/usr/local/neuware/lib64/libcndrv.so"

// DefaultSymbols are the driver entry points the memory backend goes through.
var DefaultSymbols = []string{
	"cnMalloc",
	"cnMallocHost",
	"cnFree",
	"cnFreeHost",
	"cnMemcpyHtoD",
	"cnMemcpyDtoH",
	"cnMemcpyDtoD",
	"cnCtxCreate",
	"cnCtxDestroy",
}

var memlockOnce sync.Once

// Counter holds one counting uprobe per attached symbol.
type Counter struct {
	counts   *ebpf.Map
	programs []*ebpf.Program
	links    []link.Link
	slots    map[string]uint32
}

// Open attaches a counting uprobe to every symbol of libPath that exists.
// Symbols missing from the library are skipped.
func Open(libPath string, symbols []string) (*Counter, error) {
	if len(symbols) == 0 {
		return nil, errors.New("no symbols to trace")
	}

	var memlockErr error
	memlockOnce.Do(func() { memlockErr = rlimit.RemoveMemlock() })
	if memlockErr != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", memlockErr)
	}

	ex, err := link.OpenExecutable(libPath)
	if err != nil {
		return nil, fmt.Errorf("opening executable: %w", err)
	}

	counts, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "cn_calls",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: uint32(len(symbols)),
	})
	if err != nil {
		return nil, fmt.Errorf("creating counter map: %w", err)
	}

	c := &Counter{counts: counts, slots: make(map[string]uint32)}
	for i, sym := range symbols {
		slot := uint32(i)
		prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
			Name:         "cn_count",
			Type:         ebpf.Kprobe,
			License:      "GPL",
			Instructions: countingProgram(counts.FD(), slot),
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("loading program for %s: %w", sym, err)
		}
		c.programs = append(c.programs, prog)

		l, err := ex.Uprobe(sym, prog, nil)
		if errors.Is(err, link.ErrNoSymbol) {
			slog.Warn("symbol not found, skipping", "symbol", sym, "lib", libPath)
			continue
		}
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("attach %s: %w", sym, err)
		}
		c.links = append(c.links, l)
		c.slots[sym] = slot
	}

	if len(c.links) == 0 {
		c.Close()
		return nil, fmt.Errorf("none of %d symbols found in %s", len(symbols), libPath)
	}
	slog.Debug("driver tracer attached", "lib", libPath, "symbols", len(c.links))
	return c, nil
}

// countingProgram increments the 64-bit value at slot of the array map fd.
func countingProgram(fd int, slot uint32) asm.Instructions {
	return asm.Instructions{
		// key on the stack
		asm.StoreImm(asm.RFP, -4, int64(slot), asm.Word),
		asm.LoadMapPtr(asm.R1, fd),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// Counts snapshots the per-symbol call counters.
func (c *Counter) Counts() (map[string]uint64, error) {
	out := make(map[string]uint64, len(c.slots))
	for sym, slot := range c.slots {
		var v uint64
		if err := c.counts.Lookup(slot, &v); err != nil {
			return nil, fmt.Errorf("reading counter for %s: %w", sym, err)
		}
		out[sym] = v
	}
	return out, nil
}

// Symbols lists the symbols that were attached.
func (c *Counter) Symbols() []string {
	out := make([]string, 0, len(c.slots))
	for sym := range c.slots {
		out = append(out, sym)
	}
	return out
}

func (c *Counter) Close() error {
	var errs []error
	for _, l := range c.links {
		errs = append(errs, l.Close())
	}
	for _, p := range c.programs {
		errs = append(errs, p.Close())
	}
	if c.counts != nil {
		errs = append(errs, c.counts.Close())
	}
	c.links, c.programs, c.counts, c.slots = nil, nil, nil, nil
	return errors.Join(errs...)
}
