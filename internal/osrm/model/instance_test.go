package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInstances() []Instance {
	return []Instance{
		{Name: "car-a", Port: 5000, DataPath: "/srv/osrm/car-a"},
		{Name: "car-b", Port: 5001, DataPath: "/srv/osrm/car-b"},
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry([]Profile{{Name: "car", Instances: []string{"car-a", "car-b"}}}, testInstances())
	require.NoError(t, err)

	inst, err := reg.Instance("car-b")
	require.NoError(t, err)
	assert.Equal(t, "car", inst.Profile)
	assert.Equal(t, "car-b", inst.ID)
	assert.Equal(t, "/srv/osrm/car-b/map.osrm", inst.ArtifactPath())

	p, err := reg.ProfileOf("car-a")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmMLD, p.Algorithm)

	all := reg.Instances()
	require.Len(t, all, 2)
	assert.Equal(t, "car-a", all[0].Name)

	_, err = reg.Instance("bike-a")
	assert.True(t, errors.Is(err, ErrUnknownInstance))
	_, err = reg.Profile("bike")
	assert.True(t, errors.Is(err, ErrUnknownProfile))
	assert.True(t, reg.HasProfile("car"))
}

func TestNewRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		profiles  []Profile
		instances []Instance
	}{
		{
			name:      "duplicate_port",
			profiles:  []Profile{{Name: "car", Instances: []string{"car-a", "car-b"}}},
			instances: []Instance{{Name: "car-a", Port: 5000, DataPath: "/a"}, {Name: "car-b", Port: 5000, DataPath: "/b"}},
		},
		{
			name:      "unknown_instance",
			profiles:  []Profile{{Name: "car", Instances: []string{"car-a", "car-x"}}},
			instances: testInstances(),
		},
		{
			name:      "unassigned_instance",
			profiles:  []Profile{{Name: "car", Instances: []string{"car-a"}}},
			instances: testInstances(),
		},
		{
			name:      "bad_algorithm",
			profiles:  []Profile{{Name: "car", Algorithm: "astar", Instances: []string{"car-a", "car-b"}}},
			instances: testInstances(),
		},
		{
			name:      "missing_data_path",
			profiles:  []Profile{{Name: "car", Instances: []string{"car-a"}}},
			instances: []Instance{{Name: "car-a", Port: 5000}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.profiles, tt.instances)
			assert.Error(t, err)
		})
	}
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: "extract", ExitCode: 1, Stderr: "[error] Input file not found"}
	assert.Equal(t, "extract: exit status 1: [error] Input file not found", err.Error())

	timeout := &StageError{Stage: "contract", TimedOut: true}
	assert.Equal(t, "contract: timed out", timeout.Error())
	timeout.Timeout = 2 * time.Hour
	assert.Equal(t, "contract: timed out after 2h0m0s", timeout.Error())

	cause := errors.New("exec: \"osrm-extract\": executable file not found in $PATH")
	wrapped := &StageError{Stage: "extract", Err: cause}
	assert.True(t, errors.Is(wrapped, cause))
}
