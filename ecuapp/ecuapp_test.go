package ecuapp

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veculab/vecu-doip/internal/vlog"
	"github.com/veculab/vecu-doip/pkvs"
)

func newTestStore(t *testing.T) *pkvs.Store {
	t.Helper()
	store := pkvs.New(filepath.Join(t.TempDir(), "nvram.dat"))
	require.NoError(t, store.Load())
	return store
}

func TestRunAcceleratesTowardLeadSpeed(t *testing.T) {
	store := newTestStore(t)
	store.Set("LEAD_VEHICLE_SPEED", "65.0")
	store.Set("OWN_VEHICLE_SPEED", "50.0")
	require.NoError(t, store.Save())

	c := NewPIController()
	require.NoError(t, c.Run(store, vlog.Discard()))

	got, ok := store.Get("OWN_VEHICLE_SPEED")
	require.True(t, ok)
	assert.NotEqual(t, "50.0", got)

	speed, err := strconv.ParseFloat(got, 64)
	require.NoError(t, err)
	assert.Greater(t, speed, 50.0, "own speed should move towards the faster lead vehicle")
	assert.LessOrEqual(t, speed, 52.0, "first cycle output is bounded by ACC_MAX_ACCEL")
}

func TestRunNeverDrivesSpeedNegative(t *testing.T) {
	store := newTestStore(t)
	store.Set("LEAD_VEHICLE_SPEED", "0.0")
	store.Set("OWN_VEHICLE_SPEED", "1.0")
	store.Set("ACC_MAX_DECEL", "50.0")
	require.NoError(t, store.Save())

	c := NewPIController()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Run(store, vlog.Discard()))
	}

	got, ok := store.Get("OWN_VEHICLE_SPEED")
	require.True(t, ok)
	speed, err := strconv.ParseFloat(got, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, speed, 0.0)
}

func TestIntegralErrorPersistsAcrossRuns(t *testing.T) {
	store := newTestStore(t)
	store.Set("LEAD_VEHICLE_SPEED", "65.0")
	store.Set("OWN_VEHICLE_SPEED", "65.0")
	require.NoError(t, store.Save())

	c := NewPIController()
	require.NoError(t, c.Run(store, vlog.Discard()))
	assert.Zero(t, c.integralError, "equal speeds produce zero error, so the integrator stays at zero")

	store.Set("LEAD_VEHICLE_SPEED", "70.0")
	require.NoError(t, store.Save())
	require.NoError(t, c.Run(store, vlog.Discard()))
	assert.NotZero(t, c.integralError)
}

func TestRunUsesDefaultsWhenNVRAMEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvram.dat")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	store := pkvs.New(path)

	c := NewPIController()
	require.NoError(t, c.Run(store, vlog.Discard()))

	_, ok := store.Get("OWN_VEHICLE_SPEED")
	assert.True(t, ok)
}
