package vmenv

import (
	"context"
	"fmt"
	"sync"
)

// MemoryBackend keeps networks and instances in process memory.
type MemoryBackend struct {
	mu        sync.Mutex
	networks  map[string]bool
	instances map[string]*memoryInstance

	// FailStart makes StartInstance fail for the named instances.
	FailStart map[string]bool
	// OnStart runs after an instance is marked running.
	OnStart func(spec InstanceSpec)

	Calls []string
}

type memoryInstance struct {
	spec    InstanceSpec
	running bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		networks:  map[string]bool{},
		instances: map[string]*memoryInstance{},
		FailStart: map[string]bool{},
	}
}

func (b *MemoryBackend) Kind() string { return "memory" }

func (b *MemoryBackend) EnsureNetwork(_ context.Context, spec NetworkSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "net:"+spec.Name)
	b.networks[spec.Name] = true
	return nil
}

func (b *MemoryBackend) NetworkActive(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.networks[name]
}

func (b *MemoryBackend) DefineInstance(_ context.Context, spec InstanceSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "define:"+spec.Name)
	if _, ok := b.instances[spec.Name]; ok {
		return fmt.Errorf("%s: %w", spec.Name, ErrAlreadyExists)
	}
	b.instances[spec.Name] = &memoryInstance{spec: spec}
	return nil
}

func (b *MemoryBackend) StartInstance(_ context.Context, name string) error {
	b.mu.Lock()
	b.Calls = append(b.Calls, "start:"+name)
	inst, ok := b.instances[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if b.FailStart[name] {
		b.mu.Unlock()
		return fmt.Errorf("start %s refused", name)
	}
	inst.running = true
	spec := inst.spec
	hook := b.OnStart
	b.mu.Unlock()
	if hook != nil {
		hook(spec)
	}
	return nil
}

func (b *MemoryBackend) InstanceState(_ context.Context, name string) (InstanceState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instances[name]
	if !ok {
		return StateUndefined, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if inst.running {
		return StateRunning, nil
	}
	return StateShutOff, nil
}

func (b *MemoryBackend) StopInstance(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "stop:"+name)
	inst, ok := b.instances[name]
	if !ok || !inst.running {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	inst.running = false
	return nil
}

func (b *MemoryBackend) UndefineInstance(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, "undefine:"+name)
	if _, ok := b.instances[name]; !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	delete(b.instances, name)
	return nil
}

// Defined reports whether the named instance is currently defined.
func (b *MemoryBackend) Defined(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.instances[name]
	return ok
}

var _ Backend = (*MemoryBackend)(nil)
