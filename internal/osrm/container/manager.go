// Package container manages the osrm-routed server of each instance.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/routeops/internal/metrics"
	"github.com/qiniu/routeops/internal/osrm/artifact"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
)

// Config holds lifecycle timeouts.
type Config struct {
	StartTimeout time.Duration
	StopTimeout  time.Duration
	KillTimeout  time.Duration
	PollInterval time.Duration
}

// Manager starts, stops and probes instances. Operations on the same
// instance are serialized.
type Manager struct {
	registry *model.Registry
	launcher Launcher
	probe    PortProbe
	health   HealthChecker
	cfg      Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager.
func NewManager(registry *model.Registry, launcher Launcher, probe PortProbe, health HealthChecker, cfg Config) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Manager{
		registry: registry,
		launcher: launcher,
		probe:    probe,
		health:   health,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(name string) func() {
	m.mu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Start launches the instance and waits until its port is bound.
func (m *Manager) Start(ctx context.Context, name string) error {
	inst, prof, err := m.resolve(name)
	if err != nil {
		return err
	}
	defer m.lock(name)()
	return m.start(ctx, inst, prof)
}

func (m *Manager) start(ctx context.Context, inst model.Instance, prof model.Profile) error {
	if err := artifact.Present(inst.DataPath, prof.Algorithm); err != nil {
		return fmt.Errorf("start %s: %w", inst.Name, err)
	}
	owner, err := m.probe.Owner(ctx, inst.Port)
	if err != nil {
		return fmt.Errorf("start %s: probe port %d: %w", inst.Name, inst.Port, err)
	}
	if owner != nil {
		return fmt.Errorf("start %s: %w: %d held by pid %d %s", inst.Name, model.ErrPortInUse, inst.Port, owner.PID, owner.Name)
	}

	h, err := m.launcher.Launch(ctx, inst, prof.Algorithm)
	if err != nil {
		return fmt.Errorf("start %s: %w", inst.Name, err)
	}

	deadline := time.NewTimer(m.cfg.StartTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case err := <-h.Exited():
			return fmt.Errorf("start %s: osrm-routed exited during startup: %v", inst.Name, err)
		case <-deadline.C:
			m.abort(inst, h)
			return fmt.Errorf("start %s: port %d not bound within %s", inst.Name, inst.Port, m.cfg.StartTimeout)
		case <-ctx.Done():
			m.abort(inst, h)
			return fmt.Errorf("start %s: %w", inst.Name, ctx.Err())
		case <-tick.C:
			owner, err := m.probe.Owner(ctx, inst.Port)
			if err == nil && owner != nil {
				log.Info().Str("instance", inst.Name).Int("port", inst.Port).Int32("pid", owner.PID).Msg("osrm-routed started")
				return nil
			}
		}
	}
}

func (m *Manager) abort(inst model.Instance, h Handle) {
	if err := h.Abort(); err != nil {
		log.Warn().Err(err).Str("instance", inst.Name).Msg("failed to abort osrm-routed launch")
	}
}

// Stop shuts the instance down. Stopping an instance that is not running succeeds.
func (m *Manager) Stop(ctx context.Context, name string) error {
	inst, _, err := m.resolve(name)
	if err != nil {
		return err
	}
	defer m.lock(name)()
	return m.stop(ctx, inst)
}

func (m *Manager) stop(ctx context.Context, inst model.Instance) error {
	owner, err := m.probe.Owner(ctx, inst.Port)
	if err != nil {
		return fmt.Errorf("stop %s: probe port %d: %w", inst.Name, inst.Port, err)
	}
	if owner == nil {
		return nil
	}

	if err := m.launcher.Terminate(ctx, inst, owner, m.cfg.StopTimeout); err != nil {
		log.Warn().Err(err).Str("instance", inst.Name).Msg("graceful stop failed")
	}
	if m.waitFree(ctx, inst.Port, m.cfg.StopTimeout) {
		log.Info().Str("instance", inst.Name).Int("port", inst.Port).Msg("osrm-routed stopped")
		return nil
	}

	log.Warn().Str("instance", inst.Name).Dur("grace", m.cfg.StopTimeout).Msg("osrm-routed ignored SIGTERM, killing")
	if err := m.launcher.Kill(ctx, inst, owner); err != nil {
		log.Warn().Err(err).Str("instance", inst.Name).Msg("kill failed")
	}
	if m.waitFree(ctx, inst.Port, m.cfg.KillTimeout) {
		return nil
	}
	return fmt.Errorf("stop %s: %w: port %d still bound", inst.Name, model.ErrStopTimeout, inst.Port)
}

func (m *Manager) waitFree(ctx context.Context, port int, within time.Duration) bool {
	deadline := time.Now().Add(within)
	for {
		owner, err := m.probe.Owner(ctx, port)
		if err == nil && owner == nil {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// Restart stops then starts the instance.
func (m *Manager) Restart(ctx context.Context, name string) error {
	inst, prof, err := m.resolve(name)
	if err != nil {
		return err
	}
	defer m.lock(name)()

	if err := m.stop(ctx, inst); err != nil {
		return fmt.Errorf("%w: %w", model.ErrRestartFailed, err)
	}
	if err := m.start(ctx, inst, prof); err != nil {
		return fmt.Errorf("%w: %w", model.ErrRestartFailed, err)
	}
	return nil
}

// HealthCheck probes the instance's route service.
func (m *Manager) HealthCheck(ctx context.Context, name string) error {
	inst, prof, err := m.resolve(name)
	if err != nil {
		return err
	}
	err = m.health.Check(ctx, inst, prof.Probe)
	metrics.SetInstanceHealthy(name, err == nil)
	return err
}

// Status reports whether the instance's port is bound and, if so, its health.
func (m *Manager) Status(ctx context.Context, name string) (*model.ContainerStatus, error) {
	inst, _, err := m.resolve(name)
	if err != nil {
		return nil, err
	}
	st := &model.ContainerStatus{
		Instance:  inst.Name,
		Profile:   inst.Profile,
		Port:      inst.Port,
		CheckedAt: time.Now().UTC(),
	}
	owner, err := m.probe.Owner(ctx, inst.Port)
	if err != nil {
		st.Error = err.Error()
		return st, nil
	}
	if owner == nil {
		metrics.SetInstanceHealthy(name, false)
		return st, nil
	}
	st.Running = true
	st.PID = owner.PID
	if err := m.HealthCheck(ctx, name); err != nil {
		st.Error = err.Error()
	} else {
		st.Healthy = true
	}
	return st, nil
}

func (m *Manager) resolve(name string) (model.Instance, model.Profile, error) {
	inst, err := m.registry.Instance(name)
	if err != nil {
		return model.Instance{}, model.Profile{}, err
	}
	prof, err := m.registry.Profile(inst.Profile)
	if err != nil {
		return model.Instance{}, model.Profile{}, err
	}
	return inst, prof, nil
}
