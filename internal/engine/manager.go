package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/recovery"
)

// Manager keeps the running instances by id.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	wg        sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{instances: make(map[string]*Instance)}
}

// Add starts inst and its inbound loop. The loop ends when ctx is done or the
// instance stops.
func (m *Manager) Add(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID()]; ok {
		return fmt.Errorf("instance %s already registered", inst.ID())
	}
	if err := inst.Start(ctx); err != nil {
		return err
	}
	m.instances[inst.ID()] = inst
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		inst.Run(ctx)
	}()
	slog.Info("Manager.Add: instance added", "instanceID", inst.ID(), "instances", len(m.instances))
	return nil
}

// Get returns the instance with id.
func (m *Manager) Get(id string) (*Instance, error) {
	if err := models.ValidateInstanceID(id); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownInstance, id)
	}
	return inst, nil
}

// Instances returns the instances sorted by id.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].ID() < out[b].ID() })
	return out
}

// Recoverables returns the instances as recovery participants.
func (m *Manager) Recoverables() []recovery.Recoverable {
	instances := m.Instances()
	out := make([]recovery.Recoverable, len(instances))
	for i, inst := range instances {
		out[i] = inst
	}
	return out
}

// Remove logs the instance out and stops it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	inst, err := m.Get(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.instances, id)
	m.mu.Unlock()

	logoutErr := inst.Logout(ctx)
	stopErr := inst.Stop(ctx)
	slog.Info("Manager.Remove: instance removed", "instanceID", id)
	return errors.Join(logoutErr, stopErr)
}

// Stop stops every instance and waits for their inbound loops.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	for _, inst := range m.Instances() {
		if err := inst.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", inst.ID(), err))
		}
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
