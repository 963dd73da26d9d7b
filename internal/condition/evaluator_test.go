package condition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mac923/offpeak-ev-controller/internal/model"
)

func lastState(state model.VehicleState, atHome, chargingReady bool) *model.LastKnownState {
	return &model.LastKnownState{
		VIN:           "VIN1",
		Observation:   model.VehicleObservation{State: state},
		AtHome:        atHome,
		ChargingReady: chargingReady,
		UpdatedAt:     time.Now(),
	}
}

func ptrF(f float64) *float64 { return &f }

func TestD1FirstInitWhenNoLastState(t *testing.T) {
	d := Evaluate(Input{Obs: model.VehicleObservation{State: model.VehicleOnline}, Last: nil})
	assert.Equal(t, DecisionFirstInit, d.Kind)
	assert.Equal(t, "D1", d.Row)
}

func TestD2TriggersOffPeakReconcilerOnTransitionIntoSteadyState(t *testing.T) {
	last := lastState(model.VehicleOnline, true, false)
	d := Evaluate(Input{
		Obs:           model.VehicleObservation{State: model.VehicleOnline},
		AtHome:        true,
		ChargingReady: true,
		Last:          last,
	})
	assert.Equal(t, DecisionTriggerA, d.Kind)
	assert.Equal(t, "D2", d.Row)
}

func TestD2DowngradesToD3WhenActiveSpecialSessionOwnsVIN(t *testing.T) {
	last := lastState(model.VehicleOnline, true, false)
	d := Evaluate(Input{
		Obs:                  model.VehicleObservation{State: model.VehicleOnline},
		AtHome:               true,
		ChargingReady:        true,
		Last:                 last,
		ActiveSpecialSession: true,
	})
	assert.Equal(t, DecisionNone, d.Kind)
	assert.Contains(t, d.Log, "downgraded")
}

func TestD3NoTriggerInSteadyState(t *testing.T) {
	last := lastState(model.VehicleOnline, true, true)
	d := Evaluate(Input{
		Obs:           model.VehicleObservation{State: model.VehicleOnline},
		AtHome:        true,
		ChargingReady: true,
		Last:          last,
	})
	assert.Equal(t, DecisionNone, d.Kind)
	assert.Equal(t, "D3", d.Row)
}

func TestD4OpensMonitoringCaseOnTransitionOutOfReady(t *testing.T) {
	last := lastState(model.VehicleOnline, true, true)
	d := Evaluate(Input{
		Obs:           model.VehicleObservation{State: model.VehicleOnline},
		AtHome:        true,
		ChargingReady: false,
		Last:          last,
	})
	assert.Equal(t, DecisionNone, d.Kind)
	assert.True(t, d.OpenMonitoringCase)
	assert.Equal(t, "D4", d.Row)
}

func TestD5TriggersWakeWhenCaseOpenAndVehicleWentOffline(t *testing.T) {
	last := lastState(model.VehicleOnline, true, false)
	d := Evaluate(Input{
		Obs:                model.VehicleObservation{State: model.VehicleOffline},
		Last:               last,
		MonitoringCaseOpen: true,
	})
	assert.Equal(t, DecisionTriggerBWake, d.Kind)
	assert.True(t, d.CloseMonitoringCase)
	assert.Equal(t, "D5", d.Row)
}

func TestD5DoesNotTriggerWithoutOpenCase(t *testing.T) {
	last := lastState(model.VehicleOnline, true, false)
	d := Evaluate(Input{
		Obs:                model.VehicleObservation{State: model.VehicleOffline},
		Last:               last,
		MonitoringCaseOpen: false,
	})
	assert.Equal(t, DecisionNone, d.Kind)
}

func TestD6LogsArrivalWithoutTriggering(t *testing.T) {
	last := lastState(model.VehicleOnline, false, false)
	d := Evaluate(Input{
		Obs:           model.VehicleObservation{State: model.VehicleOnline, Latitude: ptrF(1), Longitude: ptrF(1)},
		AtHome:        true,
		ChargingReady: false,
		Last:          last,
	})
	assert.Equal(t, DecisionNone, d.Kind)
	assert.Contains(t, d.Log, "arrival")
}

func TestD7LogsDepartureWithKnownLocation(t *testing.T) {
	last := lastState(model.VehicleOnline, true, true)
	d := Evaluate(Input{
		Obs:           model.VehicleObservation{State: model.VehicleOnline, Latitude: ptrF(50), Longitude: ptrF(20)},
		AtHome:        false,
		ChargingReady: true,
		Last:          last,
	})
	assert.Equal(t, DecisionNone, d.Kind)
	assert.Contains(t, d.Log, "departure")
}

func TestD8TreatsUnknownLocationAsUnchanged(t *testing.T) {
	last := lastState(model.VehicleOnline, true, true)
	d := Evaluate(Input{
		Obs:           model.VehicleObservation{State: model.VehicleOnline},
		AtHome:        false,
		ChargingReady: true,
		Last:          last,
	})
	assert.Equal(t, DecisionNone, d.Kind)
	assert.Contains(t, d.Log, "unknown")
}
