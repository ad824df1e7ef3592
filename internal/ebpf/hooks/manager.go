// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hooks

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"grimm.is/ingressmeter/internal/ebpf/metrics"
	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

// XDP attach modes accepted in HookConfig.XDPMode.
const (
	XDPModeAuto    = ""
	XDPModeGeneric = "generic"
	XDPModeNative  = "native"
	XDPModeOffload = "offload"
)

// Attach mode names reported for classifier hooks.
const (
	TCModeTCX    = "tcx"
	TCModeLegacy = "clsact"
)

// attacher performs the kernel side of an attachment.
type attacher interface {
	attachXDP(program *ebpf.Program, iface string, mode string) (io.Closer, error)
	attachTC(program *ebpf.Program, iface string, name string) (io.Closer, string, error)
}

// Manager manages eBPF program attachments (hooks)
type Manager struct {
	links    map[string]*AttachedHook
	programs map[string]*ebpf.Program
	mutex    sync.RWMutex

	attacher attacher
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// AttachedHook represents an attached eBPF program
type AttachedHook struct {
	Name       string
	Hook       types.HookType
	Interface  string
	Mode       string
	AttachedAt int64
	Active     bool

	link io.Closer
}

// NewManager creates a new hook manager
func NewManager(logger *logging.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.WithComponent("hooks")
	}
	return &Manager{
		links:    make(map[string]*AttachedHook),
		programs: make(map[string]*ebpf.Program),
		attacher: kernelAttacher{logger: logger},
		logger:   logger,
		metrics:  m,
	}
}

// RegisterProgram registers a program with the hook manager
func (hm *Manager) RegisterProgram(name string, program *ebpf.Program) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.programs[name] = program
}

func hookKey(name, iface string) string {
	return name + "@" + iface
}

// Attach attaches a registered program to the ingress hook of an interface
func (hm *Manager) Attach(config *types.HookConfig) error {
	if config == nil {
		return errors.New(errors.KindValidation, "hook config is required")
	}
	if config.Interface == "" {
		return errors.Errorf(errors.KindValidation, "program %s: interface is required", config.ProgramName)
	}

	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	program, exists := hm.programs[config.ProgramName]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "program %s not registered", config.ProgramName)
	}

	key := hookKey(config.ProgramName, config.Interface)
	if hook, exists := hm.links[key]; exists && hook.Active {
		if !config.AutoReplace {
			return errors.Errorf(errors.KindValidation, "program %s already attached to %s",
				config.ProgramName, config.Interface)
		}
		if err := hm.detachHook(hook); err != nil {
			return errors.Wrap(err, errors.KindInternal, "failed to detach existing hook")
		}
	}

	var (
		lnk  io.Closer
		mode string
		err  error
	)
	switch config.Hook {
	case types.HookXDP:
		mode = config.XDPMode
		if mode == XDPModeAuto {
			mode = "auto"
		}
		lnk, err = hm.attacher.attachXDP(program, config.Interface, config.XDPMode)
	case types.HookClassifier:
		lnk, mode, err = hm.attacher.attachTC(program, config.Interface, config.ProgramName)
	default:
		return errors.Errorf(errors.KindValidation, "unsupported hook type: %q", config.Hook)
	}
	if err != nil {
		if hm.metrics != nil {
			hm.metrics.HookErrors.WithLabelValues(config.Hook.String(), errors.GetKind(err).String()).Inc()
		}
		return errors.Wrapf(err, errors.GetKind(err), "attach %s to %s", config.ProgramName, config.Interface)
	}

	hm.links[key] = &AttachedHook{
		Name:       config.ProgramName,
		Hook:       config.Hook,
		Interface:  config.Interface,
		Mode:       mode,
		AttachedAt: time.Now().Unix(),
		Active:     true,
		link:       lnk,
	}
	if hm.metrics != nil {
		hm.metrics.SetHookAttached(config.Hook, config.Interface, true)
	}

	hm.logger.Info("Attached ingress hook",
		"program", config.ProgramName,
		"hook", config.Hook,
		"interface", config.Interface,
		"mode", mode)
	return nil
}

// Detach detaches a program from an interface
func (hm *Manager) Detach(programName, iface string) error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	key := hookKey(programName, iface)
	hook, exists := hm.links[key]
	if !exists {
		return errors.Errorf(errors.KindNotFound, "program %s not attached to %s", programName, iface)
	}

	err := hm.detachHook(hook)
	delete(hm.links, key)
	return err
}

// detachHook detaches a hook (internal method, assumes lock held)
func (hm *Manager) detachHook(hook *AttachedHook) error {
	if !hook.Active {
		return nil
	}

	hook.Active = false
	if hm.metrics != nil {
		hm.metrics.SetHookAttached(hook.Hook, hook.Interface, false)
	}
	if hook.link == nil {
		return nil
	}
	if err := hook.link.Close(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to close %s link on %s", hook.Name, hook.Interface)
	}

	hm.logger.Info("Detached ingress hook", "program", hook.Name, "interface", hook.Interface)
	return nil
}

// DetachAll detaches all hooks
func (hm *Manager) DetachAll() error {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	var errs []error
	for _, hook := range hm.links {
		if err := hm.detachHook(hook); err != nil {
			errs = append(errs, err)
		}
	}

	// Clear all links
	hm.links = make(map[string]*AttachedHook)

	return errors.Join(errs...)
}

// Close closes the hook manager and detaches all hooks
func (hm *Manager) Close() error {
	return hm.DetachAll()
}

// IsAttached returns true if a program is attached to iface
func (hm *Manager) IsAttached(programName, iface string) bool {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	hook, exists := hm.links[hookKey(programName, iface)]
	return exists && hook.Active
}

// GetHookStats returns the attached hooks ordered by program and interface
func (hm *Manager) GetHookStats() []types.HookStats {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	stats := make([]types.HookStats, 0, len(hm.links))
	for _, hook := range hm.links {
		if !hook.Active {
			continue
		}
		stats = append(stats, types.HookStats{
			Name:       hook.Name,
			Hook:       hook.Hook.String(),
			Interface:  hook.Interface,
			Mode:       hook.Mode,
			AttachedAt: hook.AttachedAt,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Name != stats[j].Name {
			return stats[i].Name < stats[j].Name
		}
		return stats[i].Interface < stats[j].Interface
	})
	return stats
}
