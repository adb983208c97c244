package osrm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStaleWindow(t *testing.T) {
	tests := []struct {
		name       string
		configured time.Duration
		maxRun     time.Duration
		want       time.Duration
	}{
		{"default covers default pipeline", 12 * time.Hour, 6 * time.Hour, 12 * time.Hour},
		{"shorter than a full build is raised", 6 * time.Hour, 6 * time.Hour, 7 * time.Hour},
		{"long stage timeouts", 12 * time.Hour, 15 * time.Hour, 16 * time.Hour},
		{"exactly the floor", 4 * time.Hour, 3 * time.Hour, 4 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, staleWindow(tt.configured, tt.maxRun))
		})
	}
}

func TestProbeHost(t *testing.T) {
	assert.Equal(t, "127.0.0.1", probeHost(""))
	assert.Equal(t, "127.0.0.1", probeHost("0.0.0.0"))
	assert.Equal(t, "127.0.0.1", probeHost("::"))
	assert.Equal(t, "10.0.0.5", probeHost("10.0.0.5"))
}
