// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package percpu implements the in-process per-CPU counter table.
//
// A logical counter is replicated once per execution context ("CPU"). Each
// replica has exactly one writer, the context that owns it, so updates need
// no cross-core synchronization beyond a single atomic add. Readers sum the
// replicas lazily and may observe a torn aggregate while adds are in flight.
package percpu

import (
	"math"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/tklauser/numcpus"
	"golang.org/x/sys/cpu"

	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
)

// DefaultMemoryLimit caps the replica storage of a single table.
const DefaultMemoryLimit = 64 << 20

// cell is one replica. The padding keeps neighbouring replicas, owned by
// different CPUs, off the same cache line.
type cell struct {
	v atomic.Uint64
	_ cpu.CacheLinePad
}

// cellSize is the storage cost of one replica.
const cellSize = uint64(unsafe.Sizeof(cell{}))

type options struct {
	name        string
	cpus        int
	memoryLimit uint64
}

// Option configures Create.
type Option func(*options)

// WithName names the table. Defaults to types.CounterMapName.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithCPUs sets the replica count. Defaults to the number of possible CPUs.
func WithCPUs(n int) Option {
	return func(o *options) { o.cpus = n }
}

// WithMemoryLimit sets the allocation ceiling in bytes.
func WithMemoryLimit(bytes uint64) Option {
	return func(o *options) { o.memoryLimit = bytes }
}

// Table maps a CounterKey to one replica per CPU.
type Table struct {
	name       string
	maxEntries int
	cpus       int
	cells      []cell
	closed     atomic.Bool
}

// Create allocates maxEntries zeroed counters, each replicated per CPU. The
// replica count is fixed for the life of the table.
func Create(maxEntries int, opts ...Option) (*Table, error) {
	o := options{
		name:        types.CounterMapName,
		memoryLimit: DefaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if maxEntries <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "max_entries must be positive, got %d", maxEntries)
	}
	if maxEntries > types.MaxCounterEntries {
		return nil, errors.Errorf(errors.KindResourceExhausted,
			"max_entries %d exceeds table limit %d", maxEntries, types.MaxCounterEntries)
	}

	if o.cpus == 0 {
		o.cpus = PossibleCPUs()
	}
	if o.cpus < 0 {
		return nil, errors.Errorf(errors.KindValidation, "cpu count must be positive, got %d", o.cpus)
	}

	// Compare by division so huge cpu counts cannot wrap the product.
	perCPU := uint64(maxEntries) * cellSize
	if uint64(o.cpus) > o.memoryLimit/perCPU || o.cpus > math.MaxInt/maxEntries {
		err := errors.Errorf(errors.KindResourceExhausted,
			"table %s: %d entries x %d cpus of %d bytes exceeds limit of %d bytes",
			o.name, maxEntries, o.cpus, cellSize, o.memoryLimit)
		return nil, errors.Attr(err, "max_entries", maxEntries)
	}

	return &Table{
		name:       o.name,
		maxEntries: maxEntries,
		cpus:       o.cpus,
		cells:      make([]cell, maxEntries*o.cpus),
	}, nil
}

// PossibleCPUs returns the number of CPUs the kernel may ever bring online,
// falling back to the online count.
func PossibleCPUs() int {
	n, err := numcpus.GetPossible()
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// MaxEntries returns the number of logical counters.
func (t *Table) MaxEntries() int { return t.maxEntries }

// CPUs returns the replica count per counter.
func (t *Table) CPUs() int { return t.cpus }

// Add adds delta to cpu's replica of key. It never blocks or allocates on
// success.
func (t *Table) Add(cpu int, key types.CounterKey, delta uint64) error {
	if uint64(key) >= uint64(t.maxEntries) {
		return invalidKey(t, key)
	}
	if uint(cpu) >= uint(t.cpus) {
		return errors.Errorf(errors.KindValidation, "cpu %d out of range [0,%d)", cpu, t.cpus)
	}

	t.cells[int(key)*t.cpus+cpu].v.Add(delta)
	return nil
}

// Counter returns a handle bound to key. The key is validated once here so
// the handle's Add has no failure path.
func (t *Table) Counter(key types.CounterKey) (Counter, error) {
	if uint64(key) >= uint64(t.maxEntries) {
		return Counter{}, invalidKey(t, key)
	}

	start := int(key) * t.cpus
	return Counter{
		key:      key,
		replicas: t.cells[start : start+t.cpus : start+t.cpus],
	}, nil
}

// ReadAll returns the per-CPU replica values of key, one per CPU. The result
// is a snapshot taken without coordinating with writers; concurrent adds may
// or may not be reflected.
func (t *Table) ReadAll(key types.CounterKey) ([]uint64, error) {
	if t.closed.Load() {
		return nil, errors.Errorf(errors.KindUnavailable, "table %s is closed", t.name)
	}
	if uint64(key) >= uint64(t.maxEntries) {
		return nil, invalidKey(t, key)
	}

	values := make([]uint64, t.cpus)
	base := int(key) * t.cpus
	for i := range values {
		values[i] = t.cells[base+i].v.Load()
	}
	return values, nil
}

// Reset zeroes every replica of key.
//
// Reset is not atomic with respect to concurrent Add: an add that lands on a
// replica between its read by a collector and its zeroing is lost. Callers
// sampling with reset accept this loss for best-effort telemetry.
func (t *Table) Reset(key types.CounterKey) error {
	if t.closed.Load() {
		return errors.Errorf(errors.KindUnavailable, "table %s is closed", t.name)
	}
	if uint64(key) >= uint64(t.maxEntries) {
		return invalidKey(t, key)
	}

	base := int(key) * t.cpus
	for i := 0; i < t.cpus; i++ {
		t.cells[base+i].v.Store(0)
	}
	return nil
}

// Close releases the table. Hooks still holding a Counter keep writing into
// the released replicas; reads and resets fail from now on.
func (t *Table) Close() error {
	t.closed.Store(true)
	return nil
}

// Counter is a key-bound view of a table used from hook bodies.
type Counter struct {
	key      types.CounterKey
	replicas []cell
}

// Key returns the bound key.
func (c Counter) Key() types.CounterKey { return c.key }

// CPUs returns the number of replicas behind the handle.
func (c Counter) CPUs() int { return len(c.replicas) }

// Add adds delta to cpu's replica. cpu must come from the execution context
// the host assigned to the caller; it is always in [0, CPUs).
func (c Counter) Add(cpu int, delta uint64) {
	c.replicas[cpu].v.Add(delta)
}

// Sum reduces per-CPU values into one total. Wrap-around follows uint64
// arithmetic.
func Sum(values []uint64) uint64 {
	var total uint64
	for _, v := range values {
		total += v
	}
	return total
}

func invalidKey(t *Table, key types.CounterKey) error {
	err := errors.Errorf(errors.KindInvalidKey,
		"key %d out of range for table %s (max_entries %d)", uint32(key), t.name, t.maxEntries)
	return errors.Attr(err, "key", uint32(key))
}
