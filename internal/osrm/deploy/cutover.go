// Package deploy swaps the active and standby instances of a profile without
// dropping traffic.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/routeops/internal/metrics"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/qiniu/routeops/internal/osrm/deploy")

// Lifecycle controls individual instances.
type Lifecycle interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	HealthCheck(ctx context.Context, name string) error
}

// Promoter installs new routing data on the standby before it starts.
type Promoter interface {
	// PromoteLatest installs the newest READY build of inst, returning nil
	// when there is nothing newer than what is deployed.
	PromoteLatest(ctx context.Context, inst model.Instance) (*model.BuildRecord, error)
	MarkDeployed(ctx context.Context, rec *model.BuildRecord) error
}

// Config controls health gating during a cutover.
type Config struct {
	HealthWait     time.Duration
	HealthInterval time.Duration
}

// Result describes a finished cutover.
type Result struct {
	Profile  string             `json:"profile"`
	Previous string             `json:"previous"`
	Active   string             `json:"active"`
	Build    *model.BuildRecord `json:"build,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Controller performs rolling restarts, one at a time per profile.
type Controller struct {
	registry  *model.Registry
	lifecycle Lifecycle
	promoter  Promoter
	roles     RoleStore
	cfg       Config

	mu     sync.Mutex
	busy   map[string]bool
	claims map[string]int // instance -> outstanding rebuilds
	last   map[string]CutoverStatus
}

// NewController creates a cutover controller. promoter may be nil.
func NewController(registry *model.Registry, lifecycle Lifecycle, promoter Promoter, roles RoleStore, cfg Config) *Controller {
	if cfg.HealthWait <= 0 {
		cfg.HealthWait = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 2 * time.Second
	}
	return &Controller{
		registry:  registry,
		lifecycle: lifecycle,
		promoter:  promoter,
		roles:     roles,
		cfg:       cfg,
		busy:      make(map[string]bool),
		claims:    make(map[string]int),
		last:      make(map[string]CutoverStatus),
	}
}

// Roles returns the active and standby instances of profile. For a
// single-instance profile standby is the zero Instance.
func (c *Controller) Roles(ctx context.Context, profile string) (active, standby model.Instance, err error) {
	prof, err := c.registry.Profile(profile)
	if err != nil {
		return active, standby, err
	}
	name, err := c.roles.Active(ctx, profile)
	if err != nil {
		return active, standby, err
	}

	activeName := prof.Instances[0]
	for _, n := range prof.Instances {
		if n == name {
			activeName = n
		}
	}
	for _, n := range prof.Instances {
		inst, err := c.registry.Instance(n)
		if err != nil {
			return active, standby, err
		}
		if n == activeName {
			active = inst
			active.Role = model.RoleActive
		} else {
			standby = inst
			standby.Role = model.RoleStandby
		}
	}
	return active, standby, nil
}

// Active returns the active instance of profile.
func (c *Controller) Active(ctx context.Context, profile string) (model.Instance, error) {
	active, _, err := c.Roles(ctx, profile)
	return active, err
}

// RoleOf returns the current role of an instance.
func (c *Controller) RoleOf(ctx context.Context, instance string) (model.Role, error) {
	inst, err := c.registry.Instance(instance)
	if err != nil {
		return "", err
	}
	active, _, err := c.Roles(ctx, inst.Profile)
	if err != nil {
		return "", err
	}
	if active.Name == instance {
		return model.RoleActive, nil
	}
	return model.RoleStandby, nil
}

// acquire locks profile for a cutover. It fails while another cutover of the
// profile runs or while one of its instances is claimed by a rebuild.
func (c *Controller) acquire(profile string) error {
	prof, err := c.registry.Profile(profile)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[profile] {
		return fmt.Errorf("%w: %s", model.ErrCutoverInProgress, profile)
	}
	for _, name := range prof.Instances {
		if c.claims[name] > 0 {
			return fmt.Errorf("%w: %s, cannot cut over %s", model.ErrInstanceBusy, name, profile)
		}
	}
	c.busy[profile] = true
	return nil
}

func (c *Controller) release(profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, profile)
}

// Busy reports whether a cutover of profile is running.
func (c *Controller) Busy(profile string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[profile]
}

// Claim reserves an instance for work that stops it and replaces its routing
// data outside a cutover. Cutovers of the instance's profile are refused until
// the returned release func is called. Claim fails with ErrCutoverInProgress
// while the profile is being cut over.
func (c *Controller) Claim(instance string) (release func(), err error) {
	inst, err := c.registry.Instance(instance)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[inst.Profile] {
		return nil, fmt.Errorf("%w: %s, cannot claim %s", model.ErrCutoverInProgress, inst.Profile, instance)
	}
	c.claims[instance]++

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.claims[instance]--; c.claims[instance] <= 0 {
				delete(c.claims, instance)
			}
		})
	}, nil
}

// CutoverStatus is the state of the most recent cutover of a profile.
type CutoverStatus struct {
	Profile    string    `json:"profile"`
	Running    bool      `json:"running"`
	Last       *Result   `json:"last,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

func (c *Controller) checkProfile(profile string) error {
	prof, err := c.registry.Profile(profile)
	if err != nil {
		return err
	}
	if len(prof.Instances) < 2 {
		return fmt.Errorf("%w: profile %s has no standby instance", model.ErrCutoverFailed, profile)
	}
	return nil
}

// RollingRestart brings the standby up on the newest routing data, waits
// for it to pass health checks and only then retires the active instance.
// On any failure before the swap the active instance keeps serving and
// roles are unchanged.
func (c *Controller) RollingRestart(ctx context.Context, profile string) (*Result, error) {
	if err := c.checkProfile(profile); err != nil {
		return nil, err
	}
	if err := c.acquire(profile); err != nil {
		return nil, err
	}
	defer c.release(profile)
	return c.rollingRestart(ctx, profile)
}

// StartRollingRestart locks the profile and runs the cutover in the
// background. done, when non-nil, receives the outcome.
func (c *Controller) StartRollingRestart(profile string, done func(*Result, error)) error {
	if err := c.checkProfile(profile); err != nil {
		return err
	}
	if err := c.acquire(profile); err != nil {
		return err
	}
	go func() {
		res, err := c.safeRollingRestart(profile)
		c.release(profile)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (c *Controller) safeRollingRestart(profile string) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("profile", profile).Msg("cutover panic")
			res, err = nil, fmt.Errorf("%w: cutover of %s panicked: %v", model.ErrCutoverFailed, profile, r)
			c.finish(profile, nil, err)
		}
	}()
	return c.rollingRestart(context.Background(), profile)
}

// Status returns the cutover state of profile.
func (c *Controller) Status(profile string) (CutoverStatus, error) {
	if _, err := c.registry.Profile(profile); err != nil {
		return CutoverStatus{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.last[profile]
	st.Profile = profile
	st.Running = c.busy[profile]
	return st, nil
}

func (c *Controller) finish(profile string, res *Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := CutoverStatus{Profile: profile, Last: res, FinishedAt: time.Now().UTC()}
	if err != nil {
		st.LastError = err.Error()
	}
	c.last[profile] = st
}

func (c *Controller) rollingRestart(ctx context.Context, profile string) (res *Result, err error) {
	ctx, span := tracer.Start(ctx, "osrm.cutover",
		trace.WithAttributes(attribute.String("osrm.profile", profile)))
	start := time.Now()
	defer func() {
		c.finish(profile, res, err)
		metrics.ObserveCutover(profile, err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	active, standby, err := c.Roles(ctx, profile)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("profile", profile).Str("active", active.Name).Str("standby", standby.Name).Logger()
	logger.Info().Msg("rolling restart started")

	if err := c.lifecycle.Stop(ctx, standby.Name); err != nil {
		return nil, fmt.Errorf("%w: stop standby %s: %w", model.ErrCutoverFailed, standby.Name, err)
	}

	var rec *model.BuildRecord
	if c.promoter != nil {
		rec, err = c.promoter.PromoteLatest(ctx, standby)
		if err != nil {
			return nil, fmt.Errorf("%w: promote build to %s: %w", model.ErrCutoverFailed, standby.Name, err)
		}
		if rec != nil {
			logger.Info().Str("build_id", rec.BuildID).Msg("promoted build onto standby")
		}
	}

	if err := c.lifecycle.Start(ctx, standby.Name); err != nil {
		c.keepServing(ctx, active)
		return nil, fmt.Errorf("%w: start standby %s: %w", model.ErrCutoverFailed, standby.Name, err)
	}
	if err := c.waitHealthy(ctx, standby.Name); err != nil {
		c.stopQuietly(ctx, standby)
		c.keepServing(ctx, active)
		return nil, fmt.Errorf("%w: standby %s unhealthy after %s: %w", model.ErrCutoverFailed, standby.Name, c.cfg.HealthWait, err)
	}

	if err := c.lifecycle.Stop(ctx, active.Name); err != nil {
		c.stopQuietly(ctx, standby)
		c.keepServing(ctx, active)
		return nil, fmt.Errorf("%w: stop active %s: %w", model.ErrCutoverFailed, active.Name, err)
	}
	if err := c.lifecycle.HealthCheck(ctx, standby.Name); err != nil {
		logger.Error().Err(err).Msg("new active failed after swap, restoring previous active")
		c.restore(ctx, active, standby)
		return nil, fmt.Errorf("%w: %s unhealthy after swap: %w", model.ErrCutoverFailed, standby.Name, err)
	}

	// The role store still names the old active until this succeeds.
	if err := c.roles.SetActive(ctx, profile, standby.Name); err != nil {
		logger.Error().Err(err).Msg("failed to persist new active, restoring previous active")
		c.restore(ctx, active, standby)
		return nil, fmt.Errorf("%w: record %s as active: %w", model.ErrCutoverFailed, standby.Name, err)
	}
	if rec != nil {
		if err := c.promoter.MarkDeployed(ctx, rec); err != nil {
			logger.Error().Err(err).Str("build_id", rec.BuildID).Msg("failed to mark build deployed")
		}
	}

	res = &Result{
		Profile:  profile,
		Previous: active.Name,
		Active:   standby.Name,
		Build:    rec,
		Duration: time.Since(start),
	}
	logger.Info().Dur("took", res.Duration).Msg("rolling restart finished")
	return res, nil
}

func (c *Controller) waitHealthy(ctx context.Context, name string) error {
	deadline := time.Now().Add(c.cfg.HealthWait)
	for {
		err := c.lifecycle.HealthCheck(ctx, name)
		if err == nil {
			return nil
		}
		if time.Now().Add(c.cfg.HealthInterval).After(deadline) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.HealthInterval):
		}
	}
}

// restore undoes a swap: the standby is stopped and the previous active is
// started again.
func (c *Controller) restore(ctx context.Context, active, standby model.Instance) {
	c.stopQuietly(ctx, standby)
	if err := c.lifecycle.Start(ctx, active.Name); err != nil {
		log.Error().Err(err).Str("instance", active.Name).Msg("failed to restore previous active")
	}
}

// keepServing makes sure the active instance is up after an aborted cutover.
func (c *Controller) keepServing(ctx context.Context, active model.Instance) {
	if err := c.lifecycle.HealthCheck(ctx, active.Name); err == nil {
		return
	}
	log.Warn().Str("instance", active.Name).Msg("active instance unhealthy after aborted cutover, restarting it")
	c.stopQuietly(ctx, active)
	if err := c.lifecycle.Start(ctx, active.Name); err != nil {
		log.Error().Err(err).Str("instance", active.Name).Msg("failed to restart active instance")
	}
}

func (c *Controller) stopQuietly(ctx context.Context, inst model.Instance) {
	if err := c.lifecycle.Stop(ctx, inst.Name); err != nil {
		log.Error().Err(err).Str("instance", inst.Name).Msg("failed to stop instance")
	}
}
