// Package condition implements the Condition Evaluator (C6): the
// closed decision table D1-D8 that Scout consults on every sample.
// A small, table-driven pure function over vehicle state, mirroring
// the decision-table shape of
// SaFE/apiserver/pkg/handlers/authority/token.go's auth-outcome switch.
package condition

import (
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

// DecisionKind is the closed set of outcomes a Scout sample can produce.
type DecisionKind string

const (
	// DecisionNone means no trigger and no case-state change.
	DecisionNone DecisionKind = "none"
	// DecisionTriggerA asks Worker to run the off-peak reconciler (D2).
	DecisionTriggerA DecisionKind = "trigger_a"
	// DecisionTriggerBWake asks Worker to wake and read the vehicle (D5).
	DecisionTriggerBWake DecisionKind = "trigger_b_wake"
	// DecisionFirstInit is D1: no prior state exists for this VIN.
	DecisionFirstInit DecisionKind = "first_init"
)

// Decision is the evaluator's output: what to do, and what case-machine
// side effect (if any) Scout must apply before returning.
type Decision struct {
	Kind               DecisionKind
	OpenMonitoringCase bool
	CloseMonitoringCase bool
	Row                string // D1..D8, for logging/diagnostics only
	Log                string // arrival/departure/location-unknown note (D6-D8)
}

// Input bundles everything the table needs. AtHome/ChargingReady are the
// derived predicates for the *current* obs; Last is nil on first sample.
type Input struct {
	Obs                  model.VehicleObservation
	AtHome               bool
	ChargingReady        bool
	Last                 *model.LastKnownState
	MonitoringCaseOpen   bool
	ActiveSpecialSession bool
}

// Evaluate runs the D1-D8 decision table (§4.4).
func Evaluate(in Input) Decision {
	if in.Last == nil {
		return Decision{Kind: DecisionFirstInit, Row: "D1"}
	}

	switch in.Obs.State {
	case model.VehicleOnline:
		return evaluateOnline(in)
	case model.VehicleAsleep, model.VehicleOffline:
		return evaluateAsleepOrOffline(in)
	default:
		return Decision{Kind: DecisionNone, Row: "unrecognized-state"}
	}
}

func wasSteadyState(last *model.LastKnownState) bool {
	return last.Observation.State == model.VehicleOnline && last.AtHome && last.ChargingReady
}

func evaluateOnline(in Input) Decision {
	last := in.Last

	if in.AtHome && in.ChargingReady {
		if wasSteadyState(last) {
			return Decision{Kind: DecisionNone, Row: "D3"} // steady state, no trigger
		}
		// D2, downgraded to D3 by invariant I5 when a special session owns the vehicle.
		if in.ActiveSpecialSession {
			return Decision{Kind: DecisionNone, Row: "D3", Log: "D2 downgraded to D3: active special session owns VIN"}
		}
		return Decision{Kind: DecisionTriggerA, Row: "D2"}
	}

	if in.AtHome && !in.ChargingReady {
		if wasSteadyState(last) {
			return Decision{Kind: DecisionNone, OpenMonitoringCase: true, Row: "D4"}
		}
		if !last.AtHome {
			return Decision{Kind: DecisionNone, Row: "D6", Log: "arrival at home"}
		}
		return Decision{Kind: DecisionNone, Row: "D4"}
	}

	// Location transitions (D6-D8): logged only, never trigger on their own.
	switch {
	case !last.AtHome && in.AtHome:
		return Decision{Kind: DecisionNone, Row: "D6", Log: "arrival at home"}
	case last.AtHome && !in.AtHome && in.Obs.Latitude != nil && in.Obs.Longitude != nil:
		return Decision{Kind: DecisionNone, Row: "D7", Log: "departure from home"}
	case last.AtHome && in.Obs.Latitude == nil:
		return Decision{Kind: DecisionNone, Row: "D8", Log: "location unknown, treating as unchanged"}
	}

	return Decision{Kind: DecisionNone, Row: "D3"}
}

func evaluateAsleepOrOffline(in Input) Decision {
	last := in.Last
	if in.MonitoringCaseOpen && last.Observation.State == model.VehicleOnline && last.AtHome && !last.ChargingReady {
		return Decision{Kind: DecisionTriggerBWake, CloseMonitoringCase: true, Row: "D5"}
	}
	return Decision{Kind: DecisionNone, Row: "no-case-no-trigger"}
}
