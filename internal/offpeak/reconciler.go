// Package offpeak implements the Off-Peak Reconciler (C7): queries the
// pricing/plan API, diff-checks the returned plan against the last
// applied plan, resolves schedule overlaps, and applies the result to
// the vehicle via the Vehicle Gateway and the signed-command proxy.
package offpeak

import (
	"context"
	"fmt"
	"time"

	"github.com/mac923/offpeak-ev-controller/internal/config"
	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/geo"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/model"
	"github.com/mac923/offpeak-ev-controller/internal/pricing"
	"github.com/mac923/offpeak-ev-controller/internal/store"
	"github.com/mac923/offpeak-ev-controller/internal/timeutil"
	"github.com/mac923/offpeak-ev-controller/internal/vehicle"
)

// GatewayAdapter adapts *vehicle.Gateway's variadic-option methods to
// the fixed-arity Gateway interface this package consumes: the
// reconciler always requires a live proxy and never opts into unsigned
// degradation, so no options are ever forwarded.
type GatewayAdapter struct {
	*vehicle.Gateway
}

func (a GatewayAdapter) AddSchedule(ctx context.Context, vin string, s model.ChargeSchedule) (int, error) {
	return a.Gateway.AddSchedule(ctx, vin, s)
}

func (a GatewayAdapter) RemoveSchedule(ctx context.Context, vin string, id int) error {
	return a.Gateway.RemoveSchedule(ctx, vin, id)
}

func (a GatewayAdapter) ChargeStart(ctx context.Context, vin string) error {
	return a.Gateway.ChargeStart(ctx, vin)
}

// Gateway is the subset of the vehicle gateway the reconciler needs.
// Signed calls are made with no options: the reconciler always requires
// a live proxy (it calls EnsureUp itself) and never opts into unsigned
// degradation.
type Gateway interface {
	AddSchedule(ctx context.Context, vin string, s model.ChargeSchedule) (int, error)
	RemoveSchedule(ctx context.Context, vin string, id int) error
	ListSchedules(ctx context.Context, vin string) ([]model.ChargeSchedule, error)
	ChargeStart(ctx context.Context, vin string) error
}

// ProxySupervisor is the subset of the C3 supervisor the reconciler needs.
type ProxySupervisor interface {
	EnsureUp(ctx context.Context) error
	Stop(ctx context.Context) error
}

// PlannerClient fetches the off-peak plan.
type PlannerClient interface {
	FetchPlan(ctx context.Context, req pricing.Request) (model.OffPeakPlan, error)
}

// Reconciler is C7.
type Reconciler struct {
	cfg     config.OffPeakConfig
	planner PlannerClient
	gateway Gateway
	proxy   ProxySupervisor
	store   store.Store
	loc     *time.Location
	homeLat, homeLon, homeRadiusDeg float64
}

func New(cfg config.OffPeakConfig, planner PlannerClient, gateway Gateway, proxy ProxySupervisor, st store.Store, loc *time.Location, homeLat, homeLon, homeRadiusDeg float64) *Reconciler {
	return &Reconciler{cfg: cfg, planner: planner, gateway: gateway, proxy: proxy, store: st, loc: loc, homeLat: homeLat, homeLon: homeLon, homeRadiusDeg: homeRadiusDeg}
}

// Reconcile runs the full §4.7 algorithm for one VIN, given the battery
// percent read by the triggering Scout sample (or a fresh Worker read).
func (r *Reconciler) Reconcile(ctx context.Context, vin string, batteryPercent int, chargeRateKW, packKWh float64) error {
	plan, err := r.queryPlanner(ctx, batteryPercent, chargeRateKW, packKWh)
	if err != nil {
		return err
	}

	hashed := hashPlan(plan)
	lastHash, err := r.store.GetPlanHash(ctx, vin)
	if err != nil {
		return fmt.Errorf("load plan hash: %w", err)
	}
	if hashed == lastHash {
		log.InfofCtx(ctx, "off-peak plan unchanged for %s, skipping application", vin)
		return nil
	}

	schedules := convertPlan(plan, r.homeLat, r.homeLon, r.loc)
	windows := make([]timeutil.Window, len(schedules))
	for i, s := range schedules {
		windows[i] = timeutil.UnwrapWindow(*s.StartMinutesOfDay, *s.EndMinutesOfDay)
	}
	acceptedIdx := timeutil.ResolveOverlaps(windows)
	accepted := make([]model.ChargeSchedule, 0, len(acceptedIdx))
	for _, i := range acceptedIdx {
		accepted = append(accepted, schedules[i])
	}

	if err := r.proxy.EnsureUp(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrProxyRequired, err)
	}
	defer r.proxy.Stop(ctx)

	for _, s := range accepted {
		if _, err := r.gateway.AddSchedule(ctx, vin, s); err != nil {
			return fmt.Errorf("add schedule: %w", err)
		}
		time.Sleep(r.cfg.InterAddDelay)
	}

	existing, err := r.gateway.ListSchedules(ctx, vin)
	if err != nil {
		return fmt.Errorf("verify applied schedules: %w", err)
	}
	homeExisting := filterHome(existing, r.homeLat, r.homeLon, r.homeRadiusDeg)

	// Reconcile existing: remove stale HOME schedules one at a time, only
	// after all new schedules have been accepted (I4).
	for _, old := range homeExisting {
		if old.ID == nil || isAmong(old, accepted) {
			continue
		}
		if err := r.gateway.RemoveSchedule(ctx, vin, *old.ID); err != nil {
			log.ErrorfCtx(ctx, "remove stale schedule %d for %s: %v", *old.ID, vin, err)
		}
	}

	if r.cfg.ChargeNowEnabled && chargeNowApplies(accepted, time.Now().In(r.loc)) {
		if err := r.gateway.ChargeStart(ctx, vin); err != nil {
			log.WarnfCtx(ctx, "charge-now optimisation failed for %s: %v", vin, err)
		}
	}

	if err := r.store.SetPlanHash(ctx, vin, hashed); err != nil {
		return fmt.Errorf("commit plan hash: %w", err)
	}
	return nil
}

func (r *Reconciler) queryPlanner(ctx context.Context, batteryPercent int, chargeRateKW, packKWh float64) (model.OffPeakPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	plan, err := r.planner.FetchPlan(ctx, pricing.Request{
		BatteryPercent:   batteryPercent,
		PackCapacityKWh:  packKWh,
		ChargeRateKW:     chargeRateKW,
		DailyConsumption: 0,
	})
	if err != nil {
		log.WarnfCtx(ctx, "planner unavailable, synthesizing fallback plan: %v", err)
		return pricing.FallbackPlan(r.loc, time.Now(), r.cfg.FallbackStartMin, r.cfg.FallbackEndMin, r.cfg.FallbackEnergyKWh), nil
	}
	if len(plan.Slots) == 0 || totalEnergy(plan) == 0 {
		// Empty-plan handling: keep HOME non-empty with a 1-minute presence slot.
		day := time.Date(time.Now().Year(), time.Now().Month(), time.Now().Day(), 0, 0, 0, 0, r.loc)
		plan = model.OffPeakPlan{Slots: []model.OffPeakSlot{
			{StartLocal: day.Add(23*time.Hour + 59*time.Minute), EndLocal: day.Add(24 * time.Hour), EnergyKWh: 0, Day: "presence"},
		}}
	}
	return plan, nil
}

func totalEnergy(plan model.OffPeakPlan) float64 {
	var sum float64
	for _, s := range plan.Slots {
		sum += s.EnergyKWh
	}
	return sum
}

func hashPlan(plan model.OffPeakPlan) string {
	keys := make([]timeutil.PlanSlotKey, len(plan.Slots))
	for i, s := range plan.Slots {
		keys[i] = timeutil.PlanSlotKey{StartUTC: s.StartLocal.UTC(), EndUTC: s.EndLocal.UTC(), EnergyKWh: s.EnergyKWh}
	}
	return timeutil.HashPlan(keys)
}

// convertPlan implements §4.7 step 3: each slot becomes a ChargeSchedule
// at home coordinates, days_of_week="All", one_time=false, with
// midnight-unwrap-aware minute encoding.
func convertPlan(plan model.OffPeakPlan, lat, lon float64, loc *time.Location) []model.ChargeSchedule {
	out := make([]model.ChargeSchedule, 0, len(plan.Slots))
	for _, slot := range plan.Slots {
		startLocal := slot.StartLocal.In(loc)
		endLocal := slot.EndLocal.In(loc)
		startMin := timeutil.MinutesOfDay(startLocal)
		endMin := timeutil.MinutesOfDay(endLocal)
		if endLocal.Before(startLocal) || endMin < startMin {
			durationMin := int(endLocal.Sub(startLocal).Minutes())
			endMin = startMin + durationMin
		}
		s, e := startMin, endMin
		out = append(out, model.ChargeSchedule{
			Enabled:           true,
			StartMinutesOfDay: &s,
			EndMinutesOfDay:   &e,
			StartEnabled:      true,
			EndEnabled:        true,
			DaysOfWeek:        "All",
			Latitude:          lat,
			Longitude:         lon,
			OneTime:           false,
		})
	}
	return out
}

// filterHome keeps only schedules within home_radius of home, the same
// degree-space Euclidean test the Scout Sampler uses for at_home
// (§3, GLOSSARY "HOME schedule").
func filterHome(schedules []model.ChargeSchedule, lat, lon, radiusDeg float64) []model.ChargeSchedule {
	var out []model.ChargeSchedule
	for _, s := range schedules {
		if geo.DegreeDistance(s.Latitude, s.Longitude, lat, lon) <= radiusDeg {
			out = append(out, s)
		}
	}
	return out
}

func isAmong(candidate model.ChargeSchedule, accepted []model.ChargeSchedule) bool {
	for _, a := range accepted {
		if a.StartMinutesOfDay != nil && candidate.StartMinutesOfDay != nil &&
			*a.StartMinutesOfDay == *candidate.StartMinutesOfDay &&
			a.EndMinutesOfDay != nil && candidate.EndMinutesOfDay != nil &&
			*a.EndMinutesOfDay == *candidate.EndMinutesOfDay {
			return true
		}
	}
	return false
}

func chargeNowApplies(accepted []model.ChargeSchedule, now time.Time) bool {
	nowMin := timeutil.MinutesOfDay(now)
	for _, s := range accepted {
		if s.StartMinutesOfDay == nil || s.EndMinutesOfDay == nil {
			continue
		}
		w := timeutil.UnwrapWindow(*s.StartMinutesOfDay, *s.EndMinutesOfDay)
		if w.Overlaps(timeutil.Window{Start: nowMin, End: nowMin + 1}) {
			return true
		}
	}
	return false
}
