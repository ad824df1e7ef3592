// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package maps

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"grimm.is/ingressmeter/internal/ebpf/types"
	ierrors "grimm.is/ingressmeter/internal/errors"
)

// Manager manages eBPF maps and provides type-safe operations
type Manager struct {
	maps  map[string]*ManagedMap
	mutex sync.RWMutex
}

// ManagedMap wraps an eBPF map with additional metadata and operations
type ManagedMap struct {
	Name       string
	Map        *ebpf.Map
	Type       ebpf.MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	CreatedAt  time.Time
}

// NewManager creates a new map manager and registers every map of
// collection, if any.
func NewManager(collection *ebpf.Collection) (*Manager, error) {
	m := &Manager{maps: make(map[string]*ManagedMap)}
	if collection == nil {
		return m, nil
	}
	for name, mapObj := range collection.Maps {
		if err := m.RegisterMap(name, mapObj); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterMap registers a map with the manager
func (m *Manager) RegisterMap(name string, mapObj *ebpf.Map) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.maps[name]; exists {
		return ierrors.Errorf(ierrors.KindValidation, "map %s already registered", name)
	}

	m.maps[name] = &ManagedMap{
		Name:       name,
		Map:        mapObj,
		KeySize:    mapObj.KeySize(),
		ValueSize:  mapObj.ValueSize(),
		MaxEntries: mapObj.MaxEntries(),
		Type:       mapObj.Type(),
		CreatedAt:  time.Now(),
	}

	return nil
}

// GetMap returns a managed map by name
func (m *Manager) GetMap(name string) (*ManagedMap, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	managedMap, exists := m.maps[name]
	if !exists {
		return nil, ierrors.Errorf(ierrors.KindNotFound, "map %s not found", name)
	}

	return managedMap, nil
}

// NewCounterMap returns the per-CPU counter view of a registered map.
func (m *Manager) NewCounterMap(name string) (*CounterMap, error) {
	managedMap, err := m.GetMap(name)
	if err != nil {
		return nil, err
	}
	return newCounterMap(managedMap)
}

// MapInfo describes a registered map
type MapInfo struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	KeySize    uint32    `json:"key_size"`
	ValueSize  uint32    `json:"value_size"`
	MaxEntries uint32    `json:"max_entries"`
	CreatedAt  time.Time `json:"created_at"`
}

// GetStats returns the registered maps ordered by name
func (m *Manager) GetStats() []MapInfo {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make([]MapInfo, 0, len(m.maps))
	for name, managedMap := range m.maps {
		stats = append(stats, MapInfo{
			Name:       name,
			Type:       managedMap.Type.String(),
			KeySize:    managedMap.KeySize,
			ValueSize:  managedMap.ValueSize,
			MaxEntries: managedMap.MaxEntries,
			CreatedAt:  managedMap.CreatedAt,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// CounterMap is the kernel realization of the per-CPU counter table. Each
// slot holds one u64 replica per possible CPU.
type CounterMap struct {
	*ManagedMap
	cpus  int
	owned bool
}

func newCounterMap(mm *ManagedMap) (*CounterMap, error) {
	if mm.Type != ebpf.PerCPUArray {
		return nil, ierrors.Errorf(ierrors.KindValidation, "counter map %s must be PerCPUArray, got %s", mm.Name, mm.Type)
	}
	if mm.KeySize != 4 || mm.ValueSize != 8 {
		return nil, ierrors.Errorf(ierrors.KindValidation,
			"counter map %s must have u32 keys and u64 values, got %d/%d", mm.Name, mm.KeySize, mm.ValueSize)
	}

	cpus, err := ebpf.PossibleCPU()
	if err != nil {
		return nil, ierrors.Wrap(err, ierrors.KindUnavailable, "count possible cpus")
	}

	return &CounterMap{ManagedMap: mm, cpus: cpus}, nil
}

// OpenPinned opens a counter map pinned by a running attach and takes
// ownership of the file descriptor.
func OpenPinned(path string) (*CounterMap, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		if errors.Is(err, ebpf.ErrNotSupported) {
			return nil, ierrors.Wrapf(err, ierrors.KindUnavailable, "open pinned map %s", path)
		}
		return nil, ierrors.Wrapf(err, ierrors.KindNotFound, "open pinned map %s", path)
	}

	name := types.CounterMapName
	if info, err := m.Info(); err == nil && info.Name != "" {
		name = info.Name
	}

	cm, err := newCounterMap(&ManagedMap{
		Name:       name,
		Map:        m,
		Type:       m.Type(),
		KeySize:    m.KeySize(),
		ValueSize:  m.ValueSize(),
		MaxEntries: m.MaxEntries(),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		m.Close()
		return nil, err
	}
	cm.owned = true
	return cm, nil
}

// Name returns the map name.
func (cm *CounterMap) Name() string { return cm.ManagedMap.Name }

// MaxEntries returns the number of slots.
func (cm *CounterMap) MaxEntries() int { return int(cm.ManagedMap.MaxEntries) }

// CPUs returns the replica count per slot.
func (cm *CounterMap) CPUs() int { return cm.cpus }

// ReadAll returns the per-CPU values of key.
func (cm *CounterMap) ReadAll(key types.CounterKey) ([]uint64, error) {
	if err := cm.checkKey(key); err != nil {
		return nil, err
	}

	var values []uint64
	if err := cm.Map.Lookup(uint32(key), &values); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, ierrors.Wrapf(err, ierrors.KindNotFound, "lookup %s", key)
		}
		return nil, ierrors.Wrapf(err, ierrors.KindUnavailable, "lookup %s in %s", key, cm.Name())
	}
	return values, nil
}

// Reset zeroes every replica of key. Increments racing with the update are
// lost.
func (cm *CounterMap) Reset(key types.CounterKey) error {
	if err := cm.checkKey(key); err != nil {
		return err
	}

	zeros := make([]uint64, cm.cpus)
	if err := cm.Map.Update(uint32(key), zeros, ebpf.UpdateExist); err != nil {
		return ierrors.Wrapf(err, ierrors.KindUnavailable, "reset %s in %s", key, cm.Name())
	}
	return nil
}

// Close releases the file descriptor if the map was opened from a pin.
// Maps owned by a loader are closed with their collection.
func (cm *CounterMap) Close() error {
	if !cm.owned {
		return nil
	}
	return cm.Map.Close()
}

func (cm *CounterMap) checkKey(key types.CounterKey) error {
	if uint64(key) >= uint64(cm.ManagedMap.MaxEntries) {
		err := ierrors.Errorf(ierrors.KindInvalidKey,
			"key %d out of range for map %s (max_entries %d)", uint32(key), cm.Name(), cm.ManagedMap.MaxEntries)
		return ierrors.Attr(err, "key", uint32(key))
	}
	return nil
}
