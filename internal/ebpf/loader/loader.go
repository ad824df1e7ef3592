// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package loader

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"grimm.is/ingressmeter/internal/ebpf/hooks"
	"grimm.is/ingressmeter/internal/ebpf/maps"
	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/probe"
	"grimm.is/ingressmeter/internal/ebpf/programs"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/host"
	"grimm.is/ingressmeter/internal/logging"
)

// DefaultPinPath is the bpffs directory the counter map is pinned under.
const DefaultPinPath = host.DefaultBPFFS + "/ingressmeter"

// Config for the loader
type Config struct {
	MaxEntries uint32
	// PinPath is the bpffs directory for the counter map. Empty disables
	// pinning.
	PinPath string
	// KeepPinned leaves the pin in place on Close so a later collector can
	// still read the final totals.
	KeepPinned bool
	Probes     []probe.Spec
}

// DefaultConfig loads both probes with a single-slot pinned map.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries: 1,
		PinPath:    DefaultPinPath,
		Probes:     []probe.Spec{probe.ClassifierSpec(), probe.XDPSpec()},
	}
}

// Loader handles loading and attaching the ingress probes
type Loader struct {
	config  *Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	collection *ebpf.Collection
	maps       *maps.Manager
	hooks      *hooks.Manager
	loaded     bool
	mutex      sync.Mutex
}

// NewLoader creates a new eBPF loader
func NewLoader(config *Config, logger *logging.Logger, m *metrics.Metrics) *Loader {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("loader")
	}
	return &Loader{
		config:  config,
		logger:  logger,
		metrics: m,
		hooks:   hooks.NewManager(logger.WithComponent("hooks"), m),
	}
}

// Load builds the collection and loads it into the kernel. Nothing stays
// loaded on error.
func (l *Loader) Load() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.loaded {
		return errors.New(errors.KindValidation, "collection already loaded")
	}

	pin := l.config.PinPath != ""
	spec, err := programs.CollectionSpec(l.config.MaxEntries, pin, l.config.Probes...)
	if err != nil {
		return err
	}

	// Kernels before 5.11 charge maps and programs against RLIMIT_MEMLOCK.
	if err := rlimit.RemoveMemlock(); err != nil {
		l.logger.Warn("Failed to remove memlock limit", "error", err)
	}

	var opts ebpf.CollectionOptions
	if pin {
		if err := os.MkdirAll(l.config.PinPath, 0o755); err != nil {
			return errors.Wrapf(err, errors.KindUnavailable, "create pin path %s", l.config.PinPath)
		}
		opts.Maps.PinPath = l.config.PinPath
	}

	collection, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return classifyLoadError(err)
	}

	mapManager, err := maps.NewManager(collection)
	if err != nil {
		if uerr := releaseCollection(collection, true); uerr != nil {
			l.logger.Warn("Failed to release collection", "error", uerr)
		}
		return err
	}

	for name, prog := range collection.Programs {
		l.hooks.RegisterProgram(name, prog)
	}

	l.collection = collection
	l.maps = mapManager
	l.loaded = true

	l.logger.Info("Loaded ingress probes",
		"programs", len(collection.Programs),
		"max_entries", l.config.MaxEntries,
		"pin_path", l.config.PinPath)
	return nil
}

// Attach attaches every hook in configs. If any attachment fails, the ones
// made by this call are detached again before the error is returned.
func (l *Loader) Attach(configs ...types.HookConfig) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.loaded {
		return errors.New(errors.KindValidation, "no collection loaded")
	}

	var done []types.HookConfig
	for i := range configs {
		cfg := configs[i]
		if err := l.hooks.Attach(&cfg); err != nil {
			for _, prev := range done {
				if derr := l.hooks.Detach(prev.ProgramName, prev.Interface); derr != nil {
					l.logger.Warn("Rollback detach failed", "program", prev.ProgramName, "error", derr)
				}
			}
			return err
		}
		done = append(done, cfg)
	}
	return nil
}

// Counters returns the per-CPU view of the loaded counter map.
func (l *Loader) Counters() (*maps.CounterMap, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.loaded {
		return nil, errors.New(errors.KindValidation, "no collection loaded")
	}
	return l.maps.NewCounterMap(types.CounterMapName)
}

// Hooks returns the attached hooks.
func (l *Loader) Hooks() []types.HookStats {
	return l.hooks.GetHookStats()
}

// Maps returns the registered maps.
func (l *Loader) Maps() []maps.MapInfo {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.maps == nil {
		return nil
	}
	return l.maps.GetStats()
}

// IsLoaded returns true if the collection is loaded
func (l *Loader) IsLoaded() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.loaded
}

// PinnedMapPath is where the counter map is pinned, or "" when pinning is off.
func (l *Loader) PinnedMapPath() string {
	if l.config.PinPath == "" {
		return ""
	}
	return filepath.Join(l.config.PinPath, types.CounterMapName)
}

// Close detaches all hooks and releases the collection
func (l *Loader) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var errs []error
	if err := l.hooks.Close(); err != nil {
		errs = append(errs, err)
	}

	if l.collection != nil {
		if err := releaseCollection(l.collection, !l.config.KeepPinned); err != nil {
			errs = append(errs, err)
		}
		l.collection = nil
	}

	l.maps = nil
	l.loaded = false
	return errors.Join(errs...)
}

// releaseCollection closes collection, first removing its map pins when
// unpin is set.
func releaseCollection(collection *ebpf.Collection, unpin bool) error {
	var errs []error
	if unpin {
		for name, m := range collection.Maps {
			if !m.IsPinned() {
				continue
			}
			if err := m.Unpin(); err != nil {
				errs = append(errs, errors.Wrapf(err, errors.KindInternal, "unpin %s", name))
			}
		}
	}
	collection.Close()
	return errors.Join(errs...)
}

// HostProbe returns the kernel features the configured probes depend on.
func (c *Config) HostProbe() host.Probe {
	p := host.Probe{PinPath: c.PinPath}
	for _, spec := range c.Probes {
		switch spec.Hook {
		case types.HookXDP:
			p.XDP = true
		case types.HookClassifier:
			p.Classifier = true
		}
	}
	return p
}

// VerifyKernelSupport checks if the kernel supports the configured probes
func VerifyKernelSupport(config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}
	for _, req := range host.VerifyBPFSupport(config.HostProbe()) {
		if req.Fatal {
			return errors.Errorf(errors.KindUnavailable, "kernel support verification failed: %s", req.Error())
		}
	}
	return nil
}
