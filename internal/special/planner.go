// Package special implements the Special-Charging Planner (C8): the
// daily check, §4.8.1 window search (window.go), session application,
// and session cleanup.
package special

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mac923/offpeak-ev-controller/internal/config"
	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/jobs"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/model"
	"github.com/mac923/offpeak-ev-controller/internal/sheets"
	"github.com/mac923/offpeak-ev-controller/internal/store"
	"github.com/mac923/offpeak-ev-controller/internal/timeutil"
	"github.com/mac923/offpeak-ev-controller/internal/vehicle"
)

// Gateway is the subset of the vehicle gateway the planner needs, with
// fixed arity (no options) since C8 always requires a live signed path.
type Gateway interface {
	Wake(ctx context.Context, vin string) error
	WaitForOnline(ctx context.Context, vin string, timeout, interval time.Duration) error
	ReadChargeLimit(ctx context.Context, vin string) (int, error)
	SetChargeLimit(ctx context.Context, vin string, percent int) error
	AddSchedule(ctx context.Context, vin string, s model.ChargeSchedule) (int, error)
	RemoveSchedule(ctx context.Context, vin string, id int) error
	ListSchedules(ctx context.Context, vin string) ([]model.ChargeSchedule, error)
	ReadFull(ctx context.Context, vin string) (model.VehicleObservation, error)
}

// GatewayAdapter adapts *vehicle.Gateway to Gateway: it always wakes
// and signs via the proxy (§4.8.2 step 1: "via signed proxy if available").
type GatewayAdapter struct {
	*vehicle.Gateway
}

func (a GatewayAdapter) Wake(ctx context.Context, vin string) error {
	return a.Gateway.Wake(ctx, vin, true)
}
func (a GatewayAdapter) SetChargeLimit(ctx context.Context, vin string, percent int) error {
	return a.Gateway.SetChargeLimit(ctx, vin, percent)
}
func (a GatewayAdapter) AddSchedule(ctx context.Context, vin string, s model.ChargeSchedule) (int, error) {
	return a.Gateway.AddSchedule(ctx, vin, s)
}
func (a GatewayAdapter) RemoveSchedule(ctx context.Context, vin string, id int) error {
	return a.Gateway.RemoveSchedule(ctx, vin, id)
}

// ProxySupervisor is the subset of the C3 supervisor the planner needs.
type ProxySupervisor interface {
	EnsureUp(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SheetsClient fetches special-charging needs.
type SheetsClient interface {
	FetchActiveNeeds(ctx context.Context, loc *time.Location, now time.Time) ([]sheets.Need, error)
}

// Registrar registers/deletes one-shot jobs.
type Registrar interface {
	Register(ctx context.Context, spec jobs.Spec) error
	Delete(ctx context.Context, name string) error
}

// Planner is C8.
type Planner struct {
	cfg       config.SpecialChargingConfig
	loc       *time.Location
	vin       string
	homeLat   float64
	homeLon   float64
	gateway   Gateway
	proxy     ProxySupervisor
	sheets    SheetsClient
	store     store.Store
	registrar Registrar
	workerURL string
}

func New(cfg config.SpecialChargingConfig, loc *time.Location, vin string, homeLat, homeLon float64, gateway Gateway, proxy ProxySupervisor, sheetsClient SheetsClient, st store.Store, registrar Registrar, workerURL string) *Planner {
	return &Planner{
		cfg: cfg, loc: loc, vin: vin, homeLat: homeLat, homeLon: homeLon,
		gateway: gateway, proxy: proxy, sheets: sheetsClient, store: st,
		registrar: registrar, workerURL: workerURL,
	}
}

// DailyReport is the response body for /daily-special-charging-check (§6).
type DailyReport struct {
	ActiveNeeds           int      `json:"active_needs"`
	ProcessedNeeds        int      `json:"processed_needs"`
	SentSchedules         int      `json:"sent_schedules"`
	CreatedSessions       int      `json:"created_sessions"`
	CleanedZombieSessions int      `json:"cleaned_zombie_sessions"`
	ZombieOverrunHours    float64  `json:"zombie_overrun_hours"`
	Errors                []string `json:"errors"`
}

// DailyCheck runs the §4.8 daily check: zombie cleanup, fetch needs,
// compute a plan per need, and either apply immediately or schedule.
func (p *Planner) DailyCheck(ctx context.Context) (DailyReport, error) {
	report := DailyReport{}

	cleaned, overrun, err := p.cleanupZombies(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	report.CleanedZombieSessions = cleaned
	report.ZombieOverrunHours = overrun.Hours()

	now := time.Now().In(p.loc)
	needs, err := p.sheets.FetchActiveNeeds(ctx, p.loc, now)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("fetch sheet needs: %v", err))
		return report, nil
	}
	report.ActiveNeeds = len(needs)

	currentPercent := p.currentBatteryPercentHint(ctx)

	for _, need := range needs {
		hours, ok := RequiredHours(need.TargetPercent, currentPercent, p.cfg.PackCapacityKWh, p.cfg.ChargeRateKW)
		if !ok {
			continue
		}
		report.ProcessedNeeds++

		plan, err := SearchWindow(p.cfg, p.loc, now, need.TargetDatetime, hours)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("row %d: %v", need.RowNumber, err))
			continue
		}

		sessionID := SessionID(need.RowNumber, plan.ChargingStart)
		session := model.SpecialChargingSession{
			SessionID:      sessionID,
			VIN:            p.vin,
			Status:         model.SessionScheduled,
			TargetPercent:  need.TargetPercent,
			TargetDatetime: need.TargetDatetime,
			ChargingStart:  plan.ChargingStart,
			ChargingEnd:    plan.ChargingEnd,
			SendScheduleAt: plan.SendScheduleAt,
			SheetsRow:      need.RowNumber,
			CreatedAt:      time.Now().UTC(),
			ChargingPlan:   plan,
		}

		if !now.Before(plan.SendScheduleAt) {
			if err := p.ApplySession(ctx, &session); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("apply session %s: %v", sessionID, err))
				continue
			}
			report.SentSchedules++
			continue
		}

		if err := p.store.UpsertSession(ctx, session); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("persist session %s: %v", sessionID, err))
			continue
		}
		if err := p.registerSessionJobs(ctx, session); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("register jobs for %s: %v", sessionID, err))
			continue
		}
		report.CreatedSessions++
	}

	return report, nil
}

func (p *Planner) currentBatteryPercentHint(ctx context.Context) int {
	last, err := p.store.GetLastKnownState(ctx, p.vin)
	if err != nil || last == nil || last.Observation.BatteryPercent == nil {
		log.WarnCtx(ctx, "no recent battery reading for special-charging planning, assuming 50%")
		return 50
	}
	return *last.Observation.BatteryPercent
}

// cleanupZombies marks overrun sessions completed and returns the count
// cleaned plus the total time they overran by, surfaced to callers as
// DailyReport.ZombieOverrunHours (§12).
func (p *Planner) cleanupZombies(ctx context.Context) (int, time.Duration, error) {
	sessions, err := p.store.ListActiveSessions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list active sessions: %w", err)
	}
	cleaned := 0
	var totalOverrun time.Duration
	now := time.Now()
	for _, s := range sessions {
		if !now.After(s.ChargingEnd.Add(2 * time.Hour)) {
			continue
		}
		overrun := now.Sub(s.ChargingEnd)
		s.Status = model.SessionCompleted
		s.CompletionReason = "auto_expired"
		if err := p.store.UpsertSession(ctx, s); err != nil {
			return cleaned, totalOverrun, fmt.Errorf("mark zombie session %s completed: %w", s.SessionID, err)
		}
		log.WarnfCtx(ctx, "zombie session %s auto-expired, overran by %s", s.SessionID, overrun)
		cleaned++
		totalOverrun += overrun
	}
	return cleaned, totalOverrun, nil
}

func (p *Planner) dispatchJobName(sessionID string) string {
	return "special-charging-" + sessionID
}
func (p *Planner) cleanupJobName(sessionID string) string {
	return "special-cleanup-" + sessionID
}

func (p *Planner) registerSessionJobs(ctx context.Context, s model.SpecialChargingSession) error {
	if err := p.registrar.Register(ctx, jobs.Spec{
		Name:             p.dispatchJobName(s.SessionID),
		TriggerTimeLocal: s.SendScheduleAt,
		Endpoint:         p.workerURL + "/send-special-schedule",
		Payload:          map[string]interface{}{"session_id": s.SessionID},
	}); err != nil {
		return fmt.Errorf("register dispatch job: %w", err)
	}
	cleanupAt := s.ChargingEnd.Add(30 * time.Minute)
	if err := p.registrar.Register(ctx, jobs.Spec{
		Name:             p.cleanupJobName(s.SessionID),
		TriggerTimeLocal: cleanupAt,
		Endpoint:         p.workerURL + "/cleanup-single-session",
		Payload:          map[string]interface{}{"session_id": s.SessionID},
	}); err != nil {
		return fmt.Errorf("register cleanup job: %w", err)
	}
	return nil
}

// ApplySession implements §4.8.2: wake, ensure proxy, raise the charge
// limit if needed, apply the schedule, and mark the session ACTIVE.
func (p *Planner) ApplySession(ctx context.Context, s *model.SpecialChargingSession) error {
	if err := p.gateway.Wake(ctx, s.VIN); err != nil {
		return fmt.Errorf("wake vehicle: %w", err)
	}
	if err := p.gateway.WaitForOnline(ctx, s.VIN, 30*time.Second, time.Second); err != nil {
		return fmt.Errorf("wait for online: %w", err)
	}
	if err := p.proxy.EnsureUp(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrProxyRequired, err)
	}
	defer p.proxy.Stop(ctx)

	currentLimit, err := p.gateway.ReadChargeLimit(ctx, s.VIN)
	if err != nil {
		return fmt.Errorf("read charge limit: %w", err)
	}
	if currentLimit < s.TargetPercent {
		if err := p.gateway.SetChargeLimit(ctx, s.VIN, s.TargetPercent); err != nil {
			return fmt.Errorf("set charge limit: %w", err)
		}
		s.OriginalChargeLimit = &currentLimit
		time.Sleep(3 * time.Second)
	}

	startMin := timeutil.MinutesOfDay(s.ChargingStart)
	endMin := timeutil.MinutesOfDay(s.ChargingEnd)
	if s.ChargingEnd.Before(s.ChargingStart) || endMin < startMin {
		endMin = startMin + int(s.ChargingEnd.Sub(s.ChargingStart).Minutes())
	}
	schedule := model.ChargeSchedule{
		Enabled:           true,
		StartMinutesOfDay: &startMin,
		EndMinutesOfDay:   &endMin,
		StartEnabled:      true,
		EndEnabled:        true,
		DaysOfWeek:        "All",
		Latitude:          p.homeLat,
		Longitude:         p.homeLon,
		OneTime:           false,
	}

	if _, err := p.gateway.AddSchedule(ctx, s.VIN, schedule); err != nil {
		return fmt.Errorf("add special schedule: %w", err)
	}

	s.Status = model.SessionActive
	return p.store.UpsertSession(ctx, *s)
}

// CleanupResult is the response body for /cleanup-single-session (§6).
type CleanupResult struct {
	SessionID          string `json:"session_id"`
	Cleaned            bool   `json:"cleaned"`
	CleanupJobDeleted  bool   `json:"cleanup_job_deleted"`
}

// CleanupSession implements §4.8.3.
func (p *Planner) CleanupSession(ctx context.Context, sessionID string) (CleanupResult, error) {
	result := CleanupResult{SessionID: sessionID}

	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			_ = p.registrar.Delete(ctx, p.cleanupJobName(sessionID))
			result.CleanupJobDeleted = true
			return result, nil
		}
		return result, fmt.Errorf("load session: %w", err)
	}
	if session.Status != model.SessionActive {
		_ = p.registrar.Delete(ctx, p.cleanupJobName(sessionID))
		result.CleanupJobDeleted = true
		return result, nil
	}

	if session.OriginalChargeLimit != nil {
		current, err := p.gateway.ReadChargeLimit(ctx, session.VIN)
		if err == nil && current != *session.OriginalChargeLimit {
			if perr := p.gateway.SetChargeLimit(ctx, session.VIN, *session.OriginalChargeLimit); perr != nil {
				log.WarnfCtx(ctx, "restore charge limit for %s: %v", sessionID, perr)
			}
		}
	}

	if obs, err := p.gateway.ReadFull(ctx, session.VIN); err == nil {
		session.FinalBatteryLevel = obs.BatteryPercent
	}
	session.Status = model.SessionCompleted
	session.CompletionReason = "completed"
	if err := p.store.UpsertSession(ctx, *session); err != nil {
		return result, fmt.Errorf("persist completed session: %w", err)
	}
	result.Cleaned = true

	if err := p.registrar.Delete(ctx, p.cleanupJobName(sessionID)); err == nil {
		result.CleanupJobDeleted = true
	}
	return result, nil
}
