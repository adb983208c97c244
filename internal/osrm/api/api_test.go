package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qiniu/routeops/internal/osrm/deploy"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/qiniu/routeops/internal/osrm/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	instances map[string]bool
	profiles  map[string]bool
	err       error // returned by lifecycle ops when set

	lastLimit   int
	rolled      []string
	cutoverBusy bool
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		instances: map[string]bool{"car-a": true, "car-b": true},
		profiles:  map[string]bool{"car": true},
	}
}

func (f *fakeOrchestrator) instance(name string) error {
	if !f.instances[name] {
		return fmt.Errorf("%w: %s", model.ErrUnknownInstance, name)
	}
	return nil
}

func (f *fakeOrchestrator) profile(name string) error {
	if !f.profiles[name] {
		return fmt.Errorf("%w: %s", model.ErrUnknownProfile, name)
	}
	return nil
}

func (f *fakeOrchestrator) RequestBuild(_ context.Context, instance string) (*service.BuildRequest, error) {
	if err := f.instance(instance); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &service.BuildRequest{Instance: instance, Accepted: true}, nil
}

func (f *fakeOrchestrator) BuildStatus(context.Context) ([]service.InstanceBuildStatus, error) {
	rec := model.NewBuildRecord("car-a", time.Now())
	rec.Status = model.StatusBuilding
	return []service.InstanceBuildStatus{
		{Instance: "car-a", Build: rec, Pending: 1},
		{Instance: "car-b"},
	}, nil
}

func (f *fakeOrchestrator) BuildStatusFor(_ context.Context, instance string) (*service.InstanceBuildStatus, error) {
	if err := f.instance(instance); err != nil {
		return nil, err
	}
	return &service.InstanceBuildStatus{Instance: instance}, nil
}

func (f *fakeOrchestrator) BuildHistory(_ context.Context, instance string, limit int) ([]*model.BuildRecord, error) {
	if instance != "" {
		if err := f.instance(instance); err != nil {
			return nil, err
		}
	}
	f.lastLimit = limit
	return []*model.BuildRecord{model.NewBuildRecord("car-a", time.Now())}, nil
}

func (f *fakeOrchestrator) GetBuild(_ context.Context, buildID string) (*model.BuildRecord, error) {
	return nil, fmt.Errorf("%w: %s", model.ErrBuildNotFound, buildID)
}

func (f *fakeOrchestrator) ContainerStatus(context.Context) ([]*model.ContainerStatus, error) {
	return []*model.ContainerStatus{
		{Instance: "car-a", Profile: "car", Port: 5000, Role: model.RoleActive, Running: true, Healthy: true},
		{Instance: "car-b", Profile: "car", Port: 5001, Role: model.RoleStandby},
	}, nil
}

func (f *fakeOrchestrator) ContainerStatusFor(_ context.Context, instance string) (*model.ContainerStatus, error) {
	if err := f.instance(instance); err != nil {
		return nil, err
	}
	return &model.ContainerStatus{Instance: instance}, nil
}

func (f *fakeOrchestrator) HealthCheck(_ context.Context, instance string) error {
	if err := f.instance(instance); err != nil {
		return err
	}
	if instance == "car-b" {
		return errors.New(`route probe: status 400: code "NoSegment"`)
	}
	return nil
}

func (f *fakeOrchestrator) lifecycle(instance string) error {
	if err := f.instance(instance); err != nil {
		return err
	}
	return f.err
}

func (f *fakeOrchestrator) Start(_ context.Context, instance string) error {
	return f.lifecycle(instance)
}

func (f *fakeOrchestrator) Stop(_ context.Context, instance string) error {
	return f.lifecycle(instance)
}

func (f *fakeOrchestrator) Restart(_ context.Context, instance string) error {
	return f.lifecycle(instance)
}

func (f *fakeOrchestrator) RequestRebuild(ctx context.Context, instance string) (*service.BuildRequest, error) {
	return f.RequestBuild(ctx, instance)
}

func (f *fakeOrchestrator) RequestRollingRestart(profile string) error {
	if err := f.profile(profile); err != nil {
		return err
	}
	if f.cutoverBusy {
		return fmt.Errorf("%w: %s", model.ErrCutoverInProgress, profile)
	}
	f.rolled = append(f.rolled, profile)
	return nil
}

func (f *fakeOrchestrator) CutoverStatus(profile string) (deploy.CutoverStatus, error) {
	if err := f.profile(profile); err != nil {
		return deploy.CutoverStatus{}, err
	}
	return deploy.CutoverStatus{Profile: profile, Running: f.cutoverBusy}, nil
}

func (f *fakeOrchestrator) Active(_ context.Context, profile string) (model.Instance, error) {
	if err := f.profile(profile); err != nil {
		return model.Instance{}, err
	}
	return model.Instance{Name: "car-a", Profile: profile, Port: 5000, Role: model.RoleActive}, nil
}

func newTestRouter(t *testing.T, f *fakeOrchestrator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	_, err := NewApi(f, router)
	require.NoError(t, err)
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestBuildRoutes(t *testing.T) {
	f := newFakeOrchestrator()
	router := newTestRouter(t, f)

	w := do(router, http.MethodGet, "/builds/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Items []service.InstanceBuildStatus `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status.Items, 2)
	assert.Equal(t, model.StatusBuilding, status.Items[0].Build.Status)
	assert.Nil(t, status.Items[1].Build)

	w = do(router, http.MethodGet, "/builds/status/car-b", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/builds/status/truck-a", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	detail := decodeError(t, w)
	assert.Equal(t, "INSTANCE_NOT_FOUND", detail.Code)
	assert.Equal(t, "truck-a", detail.Instance)

	w = do(router, http.MethodGet, "/builds/history?instance=car-a&limit=25", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 25, f.lastLimit)

	w = do(router, http.MethodGet, "/builds/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PARAMETER", decodeError(t, w).Code)

	w = do(router, http.MethodGet, "/builds/records/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "BUILD_NOT_FOUND", decodeError(t, w).Code)

	w = do(router, http.MethodPost, "/builds/car-a", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	var accepted service.BuildRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.True(t, accepted.Accepted)

	f.err = fmt.Errorf("%w: car-a has 4 waiting", model.ErrQueueFull)
	w = do(router, http.MethodPost, "/builds/car-a", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "QUEUE_FULL", decodeError(t, w).Code)
}

func TestContainerRoutes(t *testing.T) {
	f := newFakeOrchestrator()
	router := newTestRouter(t, f)

	w := do(router, http.MethodGet, "/containers/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Items []model.ContainerStatus `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status.Items, 2)
	assert.Equal(t, model.RoleActive, status.Items[0].Role)

	w = do(router, http.MethodGet, "/containers/car-a/status", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/containers/car-a/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(router, http.MethodGet, "/containers/car-b/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "NoSegment")

	for _, action := range []string{"start", "stop", "restart"} {
		w = do(router, http.MethodPost, "/containers/car-a/"+action, "")
		assert.Equal(t, http.StatusOK, w.Code, action)
	}
	w = do(router, http.MethodPost, "/containers/car-a/rebuild", "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("start car-a: %w", model.ErrMissingArtifact), http.StatusConflict, "MISSING_ARTIFACT"},
		{fmt.Errorf("start car-a: %w: 5000 held by pid 42", model.ErrPortInUse), http.StatusConflict, "PORT_IN_USE"},
		{fmt.Errorf("stop car-a: %w", model.ErrStopTimeout), http.StatusInternalServerError, "STOP_TIMEOUT"},
		{fmt.Errorf("%w: %w", model.ErrRestartFailed, model.ErrMissingArtifact), http.StatusConflict, "MISSING_ARTIFACT"},
		{fmt.Errorf("%w: start car-a: exited", model.ErrRestartFailed), http.StatusInternalServerError, "RESTART_FAILED"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		f.err = tt.err
		w = do(router, http.MethodPost, "/containers/car-a/restart", "")
		assert.Equal(t, tt.status, w.Code, tt.code)
		assert.Equal(t, tt.code, decodeError(t, w).Code)
	}

	f.err = nil
	w = do(router, http.MethodPost, "/containers/truck-a/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeployRoutes(t *testing.T) {
	f := newFakeOrchestrator()
	router := newTestRouter(t, f)

	w := do(router, http.MethodPost, "/osrm/rolling-restart", `{"profile":"car"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(router, http.MethodPost, "/osrm/rolling-restart?profile=car", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"car", "car"}, f.rolled)

	w = do(router, http.MethodPost, "/osrm/rolling-restart", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(router, http.MethodPost, "/osrm/rolling-restart", `{"profile":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/osrm/rolling-restart?profile=bike", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	detail := decodeError(t, w)
	assert.Equal(t, "PROFILE_NOT_FOUND", detail.Code)
	assert.Equal(t, "bike", detail.Profile)

	f.cutoverBusy = true
	w = do(router, http.MethodPost, "/osrm/rolling-restart?profile=car", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CUTOVER_IN_PROGRESS", decodeError(t, w).Code)

	w = do(router, http.MethodGet, "/osrm/profiles/car", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Active  string               `json:"active"`
		Cutover deploy.CutoverStatus `json:"cutover"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "car-a", body.Active)
	assert.True(t, body.Cutover.Running)

	w = do(router, http.MethodGet, "/osrm/profiles/car/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	var inst model.Instance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inst))
	assert.Equal(t, "car-a", inst.Name)
}

func TestHealthzAndMetrics(t *testing.T) {
	router := newTestRouter(t, newFakeOrchestrator())
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, "/healthz", "").Code)

	w := do(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
