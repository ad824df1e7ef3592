// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dataplane hosts ingress probes in process.
//
// The Dispatcher plays the part the kernel plays for real hooks: it owns one
// worker per CPU, runs every attached probe for each delivered packet on that
// CPU's worker, and never runs two invocations on the same CPU at once. XDP
// probes run before classifier probes, matching the kernel receive path.
package dataplane

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
	"grimm.is/ingressmeter/internal/percpu"
)

// Config for the dispatcher.
type Config struct {
	// CPUs is the number of execution contexts.
	CPUs int `json:"cpus"`
	// QueueDepth bounds the per-CPU backlog. Deliver blocks when it is full.
	QueueDepth int `json:"queue_depth"`
	// StopTimeout bounds how long Stop waits for workers to drain.
	StopTimeout time.Duration `json:"stop_timeout"`
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{
		CPUs:        percpu.PossibleCPUs(),
		QueueDepth:  1024,
		StopTimeout: 5 * time.Second,
	}
}

// Stats summarizes what the dispatcher has processed.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Passed    uint64 `json:"passed"`
	Dropped   uint64 `json:"dropped"`
	Bytes     uint64 `json:"bytes"`
	XDPHooks  int    `json:"xdp_hooks"`
	TCHooks   int    `json:"tc_hooks"`
}

// hookSet is an immutable snapshot of the attached probes.
type hookSet struct {
	xdp        []*probe.Probe
	classifier []*probe.Probe
}

func (s *hookSet) without(p *probe.Probe) *hookSet {
	next := &hookSet{}
	for _, h := range s.xdp {
		if h != p {
			next.xdp = append(next.xdp, h)
		}
	}
	for _, h := range s.classifier {
		if h != p {
			next.classifier = append(next.classifier, h)
		}
	}
	return next
}

func (s *hookSet) contains(p *probe.Probe) bool {
	for _, h := range s.xdp {
		if h == p {
			return true
		}
	}
	for _, h := range s.classifier {
		if h == p {
			return true
		}
	}
	return false
}

type worker struct {
	cpu   int
	queue chan types.PacketView
	// busy is held for the duration of one packet's hook chain.
	busy sync.Mutex
}

// Dispatcher schedules probes onto per-CPU workers.
type Dispatcher struct {
	logger *logging.Logger
	config *Config

	workers []*worker
	hooks   atomic.Pointer[hookSet]

	// mutex serializes Attach and Detach.
	mutex sync.Mutex

	// deliverMu guards queue closure against concurrent Deliver.
	deliverMu sync.RWMutex
	started   bool
	stopped   bool
	// stopping is closed before Stop takes deliverMu, releasing any
	// Deliver blocked on a full queue.
	stopping  chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	queued    atomic.Uint64
	delivered atomic.Uint64
	passed    atomic.Uint64
	dropped   atomic.Uint64
	bytes     atomic.Uint64
}

// New creates a dispatcher. Workers are not running until Start.
func New(logger *logging.Logger, config *Config) (*Dispatcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("dataplane")
	}
	if config.CPUs <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "cpu count must be positive, got %d", config.CPUs)
	}
	if config.QueueDepth < 0 {
		return nil, errors.Errorf(errors.KindValidation, "queue depth must not be negative, got %d", config.QueueDepth)
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}

	d := &Dispatcher{
		logger:  logger,
		config:  config,
		workers:  make([]*worker, config.CPUs),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range d.workers {
		d.workers[i] = &worker{
			cpu:   i,
			queue: make(chan types.PacketView, config.QueueDepth),
		}
	}
	d.hooks.Store(&hookSet{})

	return d, nil
}

// CPUs returns the number of execution contexts.
func (d *Dispatcher) CPUs() int { return len(d.workers) }

// Start launches one worker per CPU.
func (d *Dispatcher) Start() error {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	if d.stopped {
		return errors.New(errors.KindUnavailable, "dispatcher is stopped")
	}
	if d.started {
		return nil
	}
	d.started = true

	for _, w := range d.workers {
		d.wg.Add(1)
		go d.run(w)
	}
	go func() {
		d.wg.Wait()
		close(d.done)
	}()

	d.logger.Info("Dispatcher started",
		"cpus", len(d.workers),
		"queue_depth", d.config.QueueDepth)
	return nil
}

// Stop stops accepting packets, drains every queue and waits for the workers.
func (d *Dispatcher) Stop() error {
	d.stopOnce.Do(func() { close(d.stopping) })

	d.deliverMu.Lock()
	if d.stopped {
		d.deliverMu.Unlock()
		return nil
	}
	d.stopped = true
	wasStarted := d.started
	for _, w := range d.workers {
		close(w.queue)
	}
	d.deliverMu.Unlock()

	if !wasStarted {
		return nil
	}

	timer := time.NewTimer(d.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-d.done:
		d.logger.Info("Dispatcher stopped", "delivered", d.delivered.Load())
		return nil
	case <-timer.C:
		d.logger.Warn("Dispatcher stop timed out")
		return errors.New(errors.KindUnavailable, "dispatcher stop timed out")
	}
}

// Attach schedules p on every CPU. The probe's counter must have a replica
// for each of the dispatcher's CPUs.
func (d *Dispatcher) Attach(p *probe.Probe) error {
	if p == nil {
		return errors.New(errors.KindValidation, "probe is required")
	}
	if p.Detached() {
		return errors.Errorf(errors.KindValidation, "probe %s is detached", p.Name())
	}
	if p.CPUs() < len(d.workers) {
		return errors.Errorf(errors.KindValidation,
			"probe %s: counter has %d replicas, dispatcher runs %d cpus", p.Name(), p.CPUs(), len(d.workers))
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	cur := d.hooks.Load()
	if cur.contains(p) {
		return nil
	}

	next := &hookSet{
		xdp:        append([]*probe.Probe(nil), cur.xdp...),
		classifier: append([]*probe.Probe(nil), cur.classifier...),
	}
	switch p.Hook() {
	case types.HookXDP:
		next.xdp = append(next.xdp, p)
	case types.HookClassifier:
		next.classifier = append(next.classifier, p)
	default:
		return errors.Errorf(errors.KindValidation, "probe %s: unsupported hook type %q", p.Name(), p.Hook())
	}
	d.hooks.Store(next)

	d.logger.Debug("Probe attached", "probe", p.Name(), "hook", p.Hook())
	return nil
}

// Detach unschedules p. When Detach returns, no invocation of p is running
// on any CPU and none will start.
func (d *Dispatcher) Detach(p *probe.Probe) error {
	if p == nil {
		return errors.New(errors.KindValidation, "probe is required")
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	cur := d.hooks.Load()
	if !cur.contains(p) {
		return errors.Errorf(errors.KindNotFound, "probe %s is not attached", p.Name())
	}
	d.hooks.Store(cur.without(p))

	// Grace period: an invocation that loaded the old set holds its
	// worker's busy lock until the chain completes.
	for _, w := range d.workers {
		w.busy.Lock()
		//nolint:staticcheck // empty critical section is the barrier
		w.busy.Unlock()
	}
	p.Detach()

	d.logger.Debug("Probe detached", "probe", p.Name(), "hook", p.Hook())
	return nil
}

// Deliver queues pkt on cpu. It blocks while the queue is full, until ctx is
// done or the dispatcher stops.
func (d *Dispatcher) Deliver(ctx context.Context, cpu int, pkt types.PacketView) error {
	if uint(cpu) >= uint(len(d.workers)) {
		return errors.Errorf(errors.KindValidation, "cpu %d out of range [0,%d)", cpu, len(d.workers))
	}

	d.deliverMu.RLock()
	defer d.deliverMu.RUnlock()
	if d.stopped {
		return errors.New(errors.KindUnavailable, "dispatcher is stopped")
	}

	select {
	case d.workers[cpu].queue <- pkt:
		d.queued.Add(1)
		return nil
	case <-d.stopping:
		return errors.New(errors.KindUnavailable, "dispatcher is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every packet queued so far has run through its hooks.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if d.delivered.Load() >= d.queued.Load() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Steer maps a flow hash onto a CPU, the way receive-side scaling spreads
// flows across queues.
func (d *Dispatcher) Steer(hash uint32) int {
	return int(hash % uint32(len(d.workers)))
}

// Stats returns a snapshot of dispatcher activity.
func (d *Dispatcher) Stats() Stats {
	set := d.hooks.Load()
	return Stats{
		Delivered: d.delivered.Load(),
		Passed:    d.passed.Load(),
		Dropped:   d.dropped.Load(),
		Bytes:     d.bytes.Load(),
		XDPHooks:  len(set.xdp),
		TCHooks:   len(set.classifier),
	}
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()

	// Pin the worker so a CPU index maps to one OS thread for its lifetime.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx := probe.ExecContext{CPU: w.cpu}
	for pkt := range w.queue {
		w.busy.Lock()
		d.process(ctx, pkt)
		w.busy.Unlock()
	}
}

func (d *Dispatcher) process(ctx probe.ExecContext, pkt types.PacketView) {
	if d.chain(ctx, pkt) == types.VerdictDrop {
		d.dropped.Add(1)
	} else {
		d.passed.Add(1)
	}
	d.bytes.Add(uint64(pkt.Len))
	// Counted last so Flush observes completed chains only.
	d.delivered.Add(1)
}

func (d *Dispatcher) chain(ctx probe.ExecContext, pkt types.PacketView) types.Verdict {
	set := d.hooks.Load()
	for _, p := range set.xdp {
		if v := p.Handle(ctx, pkt); v == types.VerdictDrop {
			return v
		}
	}
	for _, p := range set.classifier {
		if v := p.Handle(ctx, pkt); v == types.VerdictDrop {
			return v
		}
	}
	return types.VerdictContinue
}
