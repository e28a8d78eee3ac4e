// Package ecuapp is the hot-swappable application module: the adaptive
// cruise-control PI controller the ECU runs once per APPLICATION-state
// cycle. It is ported from
// original_source/vECU_project/Adaptive_Cruise_Control/acc_controller.cpp,
// with the module-level integral_error turned into instance state so a
// freshly loaded PIController after a hot-swap starts from a clean
// integrator rather than inheriting whatever the previous .so had
// accumulated.
package ecuapp

import (
	"strconv"

	"github.com/veculab/vecu-doip/internal/vlog"
	"github.com/veculab/vecu-doip/pkvs"
)

// Module is the interface cmd/vecud invokes once per APPLICATION cycle. It
// models the extern "C" run_acc_application() entry point the reference
// loads from a shared object: in this port the "load" step is simply
// constructing a PIController, and "swap" is replacing that value.
type Module interface {
	Run(store *pkvs.Store, log vlog.Logger) error
}

const (
	defaultLeadSpeed = 0.0
	defaultOwnSpeed  = 0.0
	defaultGap       = 2
	defaultKp        = 0.4
	defaultKi        = 0.1
	defaultMaxAccel  = 2.0
	defaultMaxDecel  = 3.0

	integralMin = -20.0
	integralMax = 20.0
)

// PIController is the cruise-control logic: proportional-integral speed
// control towards the lead vehicle's speed, gated by the configured
// acceleration/deceleration limits. integralError is the only state that
// survives across Run calls.
type PIController struct {
	integralError float64
}

// NewPIController returns a controller with a zeroed integrator, the state
// a freshly (re)loaded application module starts from.
func NewPIController() *PIController {
	return &PIController{}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func readFloat(store *pkvs.Store, key string, def float64) float64 {
	raw, ok := store.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func readInt(store *pkvs.Store, key string, def int) int {
	raw, ok := store.Get(key)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// Run executes one control cycle: read NVRAM, compute the PI output, clamp
// it to the configured rate limits, write OWN_VEHICLE_SPEED back, and
// persist. It always reloads the store first so it observes any writes
// made by a concurrent diagnostic session (spec.md §5).
func (c *PIController) Run(store *pkvs.Store, log vlog.Logger) error {
	if err := store.Load(); err != nil {
		return err
	}

	leadSpeed := readFloat(store, "LEAD_VEHICLE_SPEED", defaultLeadSpeed)
	ownSpeed := readFloat(store, "OWN_VEHICLE_SPEED", defaultOwnSpeed)
	gap := readInt(store, "ACC_GAP_SETTING", defaultGap)
	kp := readFloat(store, "ACC_KP", defaultKp)
	ki := readFloat(store, "ACC_KI", defaultKi)
	maxAccel := readFloat(store, "ACC_MAX_ACCEL", defaultMaxAccel)
	maxDecel := readFloat(store, "ACC_MAX_DECEL", defaultMaxDecel)

	speedError := leadSpeed - ownSpeed

	c.integralError += speedError
	c.integralError = clamp(c.integralError, integralMin, integralMax)

	controlOutput := (kp * speedError) + (ki * c.integralError)
	speedChange := clamp(controlOutput, -maxDecel, maxAccel)

	ownSpeed += speedChange
	if ownSpeed < 0 {
		ownSpeed = 0
	}

	log.Debugf("ecuapp: target=%.2f current=%.2f gap=%d error=%.2f output=%.2f change=%.2f",
		leadSpeed, ownSpeed, gap, speedError, controlOutput, speedChange)

	store.Set("OWN_VEHICLE_SPEED", strconv.FormatFloat(ownSpeed, 'f', -1, 64))
	return store.Save()
}
