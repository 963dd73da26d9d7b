// Package model holds the data model shared across components (§3).
// No entity is shared by value across component boundaries in the
// component packages themselves — only identifiers are; this package is
// the one place the concrete struct shapes live.
package model

import "time"

// VehicleState is the coarse vehicle connectivity state.
type VehicleState string

const (
	VehicleOnline  VehicleState = "online"
	VehicleAsleep  VehicleState = "asleep"
	VehicleOffline VehicleState = "offline"
)

// ChargingState mirrors the vendor's charging_state enum values that
// matter for charging_ready (§3).
type ChargingState string

const (
	ChargingStateCharging ChargingState = "Charging"
	ChargingStateComplete ChargingState = "Complete"
)

// VehicleObservation is emitted by the Vehicle Gateway (C1) via the
// Scout Sampler (C4). state=online is a precondition for any field
// other than VIN/State/ObservedAt to be populated (invariant P1).
type VehicleObservation struct {
	VIN             string        `json:"vin"`
	State           VehicleState  `json:"state"`
	BatteryPercent  *int          `json:"battery_percent,omitempty"`
	ChargingState   ChargingState `json:"charging_state,omitempty"`
	ConnCable       string        `json:"conn_cable,omitempty"`
	Latitude        *float64      `json:"lat,omitempty"`
	Longitude       *float64      `json:"lon,omitempty"`
	ObservedAt      time.Time     `json:"observed_at"`
}

// invalidCableValues mirrors the set excluded from charging_ready (§3).
var invalidCableValues = map[string]bool{
	"":          true,
	"Unknown":   true,
	"<invalid>": true,
}

// ChargingReady implements charging_ready from §3.
func (o VehicleObservation) ChargingReady() bool {
	if o.ChargingState == ChargingStateCharging || o.ChargingState == ChargingStateComplete {
		return true
	}
	return !invalidCableValues[o.ConnCable]
}

// LastKnownState is the most recent VehicleObservation for a VIN plus
// derived predicates and their previous values, as held by the State
// Store (C5) and consumed by the Condition Evaluator (C6).
type LastKnownState struct {
	VIN              string
	Observation      VehicleObservation
	AtHome           bool
	ChargingReady    bool
	PrevAtHome       bool
	PrevChargingReady bool
	PrevState        VehicleState
	UpdatedAt        time.Time
}

// MonitoringCaseState is the C6/C4 monitoring-case state machine (§3).
type MonitoringCaseState string

const (
	CaseIdle             MonitoringCaseState = "IDLE"
	CaseWaitingForOffline MonitoringCaseState = "WAITING_FOR_OFFLINE"
	CaseVehicleAwoken    MonitoringCaseState = "VEHICLE_AWOKEN"
)

// MonitoringCase tracks condition-B lifecycle for a VIN (invariant I1:
// at most one per VIN).
type MonitoringCase struct {
	CaseID           string
	VIN              string
	StartTime        time.Time
	State            MonitoringCaseState
	LastBatteryPct   *int
	LastCheckTime    *time.Time
}

// ChargeSchedule is the Vehicle Gateway's (C1) value type for a vehicle
// charge schedule (§3). EndMinutesOfDay may exceed 1440 on the wire in
// transit within this codebase (midnight-unwrap representation) but is
// normalized to `end mod 1440` by the Gateway before being sent to the
// vehicle.
type ChargeSchedule struct {
	ID               *int
	Enabled          bool
	StartMinutesOfDay *int
	EndMinutesOfDay   *int
	StartEnabled     bool
	EndEnabled       bool
	DaysOfWeek       string
	Latitude         float64
	Longitude        float64
	OneTime          bool
}

// OffPeakSlot is one entry of an OffPeakPlan (C7 domain type, §3).
// Ordering within OffPeakPlan.Slots is the plan's authoritative
// priority: earlier entries dominate later entries on conflict.
type OffPeakSlot struct {
	StartLocal time.Time
	EndLocal   time.Time
	EnergyKWh  float64
	Cost       float64
	Day        string
}

// OffPeakPlan is the ordered plan returned (or synthesized) for C7.
type OffPeakPlan struct {
	Slots []OffPeakSlot
}

// SessionStatus is the special-charging session lifecycle (§3, I2):
// SCHEDULED -> ACTIVE -> COMPLETED, no regressions.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "SCHEDULED"
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

// ChargingPlan is the computed window + dispatch timing for a special
// charging session (§4.8.1).
type ChargingPlan struct {
	ChargingStart   time.Time
	ChargingEnd     time.Time
	SendScheduleAt  time.Time
	Strategy        string
	RequiredHours   float64
}

// SpecialChargingSession is C8's persisted entity, held in C5 (§3).
type SpecialChargingSession struct {
	SessionID           string
	VIN                 string
	Status              SessionStatus
	TargetPercent        int
	TargetDatetime       time.Time
	ChargingStart        time.Time
	ChargingEnd          time.Time
	SendScheduleAt       time.Time
	SheetsRow            int
	OriginalChargeLimit *int
	CreatedAt            time.Time
	ChargingPlan         ChargingPlan
	CompletionReason     string
	FinalBatteryLevel    *int
}

// IsActiveNow reports whether the session is ACTIVE and now falls in
// [ChargingStart-wakeLead, ChargingEnd+cleanupLead] (invariant on §3).
func (s SpecialChargingSession) IsActiveNow(now time.Time, wakeLead, cleanupLead time.Duration) bool {
	if s.Status != SessionActive {
		return false
	}
	lo := s.ChargingStart.Add(-wakeLead)
	hi := s.ChargingEnd.Add(cleanupLead)
	return !now.Before(lo) && !now.After(hi)
}

// OneShotJob is a named, single-fire future invocation registered with
// the external cron invoker (C9, §3).
type OneShotJob struct {
	Name            string
	TriggerTimeLocal time.Time
	Endpoint         string
	Payload          map[string]interface{}
	Auth             string
}
