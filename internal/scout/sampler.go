// Package scout implements the Scout Sampler (C4): the cheap, frequent
// side of the control plane. It never writes tokens, never wakes the
// vehicle, and persists at most one LastKnownState write per sample.
package scout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/mac923/offpeak-ev-controller/internal/condition"
	"github.com/mac923/offpeak-ev-controller/internal/geo"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/metrics"
	"github.com/mac923/offpeak-ev-controller/internal/model"
	"github.com/mac923/offpeak-ev-controller/internal/store"
)

// TokenReader is the read-only token capability Scout is given (token.Reader).
type TokenReader interface {
	Load(ctx context.Context) error
	IsValid() bool
	ClearLocalCache()
}

// Gateway is the subset of the vehicle gateway Scout needs.
type Gateway interface {
	ReadState(ctx context.Context, vin string) (model.VehicleObservation, error)
	ReadFull(ctx context.Context, vin string) (model.VehicleObservation, error)
}

// Sampler is C4.
type Sampler struct {
	vin        string
	tokens     TokenReader
	gateway    Gateway
	store      store.Store
	workerURL  string
	http       *resty.Client
	refreshRate *gocache.Cache // gates at most one /refresh-tokens call per 60s
	homeLat, homeLon, homeRadiusDeg float64
}

func New(vin, workerURL string, tokens TokenReader, gateway Gateway, st store.Store, homeLat, homeLon, homeRadiusDeg float64) *Sampler {
	return &Sampler{
		vin:       vin,
		tokens:    tokens,
		gateway:   gateway,
		store:     st,
		workerURL: workerURL,
		http:      resty.New().SetTimeout(45 * time.Second),
		refreshRate: gocache.New(60*time.Second, 5*time.Minute),
		homeLat: homeLat, homeLon: homeLon, homeRadiusDeg: homeRadiusDeg,
	}
}

// Result summarizes one Sample invocation, for the Scout HTTP handler.
type Result struct {
	Decision   condition.Decision
	Observation model.VehicleObservation
	Triggered  bool
}

// Sample runs one full Scout cycle (§4.4 Scout algorithm, steps 1-5).
func (s *Sampler) Sample(ctx context.Context) (Result, error) {
	if err := s.ensureValidToken(ctx); err != nil {
		return Result{}, fmt.Errorf("scout token: %w", err)
	}

	obs, err := s.readObservation(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("scout read: %w", err)
	}

	last, err := s.store.GetLastKnownState(ctx, s.vin)
	if err != nil {
		return Result{}, fmt.Errorf("scout load last known state: %w", err)
	}

	atHome := isAtHome(obs, s.homeLat, s.homeLon, s.homeRadiusDeg, last)
	chargingReady := obs.State == model.VehicleOnline && obs.ChargingReady()

	caseOpen, activeSession := s.caseAndSessionState(ctx)

	decision := condition.Evaluate(condition.Input{
		Obs:                  obs,
		AtHome:               atHome,
		ChargingReady:        chargingReady,
		Last:                 last,
		MonitoringCaseOpen:   caseOpen,
		ActiveSpecialSession: activeSession,
	})

	if err := s.applyCaseSideEffects(ctx, decision); err != nil {
		log.WarnfCtx(ctx, "scout: monitoring case side effect failed: %v", err)
	}

	triggered := false
	switch decision.Kind {
	case condition.DecisionFirstInit, condition.DecisionTriggerA, condition.DecisionTriggerBWake:
		if err := s.triggerWorker(ctx, string(decision.Kind), obs); err != nil {
			log.ErrorfCtx(ctx, "scout: worker trigger failed: %v", err)
		} else {
			triggered = true
		}
	}

	if err := s.persistObservation(ctx, obs, atHome, chargingReady, last); err != nil {
		log.WarnfCtx(ctx, "scout: persist last known state failed: %v", err)
	}

	metrics.ObserveScoutSample(string(decision.Kind))
	return Result{Decision: decision, Observation: obs, Triggered: triggered}, nil
}

// ensureValidToken implements §4.4 step 1: Scout's read-only token path,
// falling back to a rate-limited Worker refresh request.
func (s *Sampler) ensureValidToken(ctx context.Context) error {
	if err := s.tokens.Load(ctx); err != nil {
		return err
	}
	if s.tokens.IsValid() {
		return nil
	}
	if _, hit := s.refreshRate.Get("refresh"); hit {
		return fmt.Errorf("token invalid and refresh already requested within the last 60s")
	}
	s.refreshRate.Set("refresh", true, gocache.DefaultExpiration)

	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	resp, err := s.http.R().SetContext(ctx).
		SetBody(map[string]interface{}{"reason": "scout_detected_expiry", "requested_by": "scout"}).
		Post(s.workerURL + "/refresh-tokens")
	if err != nil {
		return fmt.Errorf("request worker token refresh: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("request worker token refresh: status %d", resp.StatusCode())
	}

	s.tokens.ClearLocalCache()
	if err := s.tokens.Load(ctx); err != nil {
		return err
	}
	if !s.tokens.IsValid() {
		return fmt.Errorf("token still invalid after worker refresh")
	}
	return nil
}

// readObservation implements §4.4 step 2.
func (s *Sampler) readObservation(ctx context.Context) (model.VehicleObservation, error) {
	state, err := s.gateway.ReadState(ctx, s.vin)
	if err != nil {
		return model.VehicleObservation{}, err
	}
	if state.State != model.VehicleOnline {
		return state, nil
	}
	return s.gateway.ReadFull(ctx, s.vin)
}

func isAtHome(obs model.VehicleObservation, homeLat, homeLon, radiusDeg float64, last *model.LastKnownState) bool {
	if obs.Latitude == nil || obs.Longitude == nil {
		// D8: location unknown, treat as unchanged from last known at_home.
		if last != nil {
			return last.AtHome
		}
		return true
	}
	return geo.DegreeDistance(*obs.Latitude, *obs.Longitude, homeLat, homeLon) <= radiusDeg
}

func (s *Sampler) caseAndSessionState(ctx context.Context) (caseOpen bool, activeSession bool) {
	c, err := s.store.GetMonitoringCase(ctx, s.vin)
	if err == nil && c != nil {
		caseOpen = c.State == model.CaseWaitingForOffline
	}
	sessions, err := s.store.ListSessionsByVIN(ctx, s.vin)
	if err == nil {
		now := time.Now()
		for _, sess := range sessions {
			if sess.IsActiveNow(now, 0, 0) {
				activeSession = true
				break
			}
		}
	}
	return caseOpen, activeSession
}

func (s *Sampler) applyCaseSideEffects(ctx context.Context, d condition.Decision) error {
	if d.OpenMonitoringCase {
		return s.store.UpsertMonitoringCase(ctx, model.MonitoringCase{
			CaseID:    fmt.Sprintf("case_%s_%d_%s", s.vin, time.Now().Unix(), uuid.New().String()[:8]),
			VIN:       s.vin,
			StartTime: time.Now(),
			State:     model.CaseWaitingForOffline,
		})
	}
	if d.CloseMonitoringCase {
		return s.store.DeleteMonitoringCase(ctx, s.vin)
	}
	return nil
}

func (s *Sampler) triggerWorker(ctx context.Context, reason string, obs model.VehicleObservation) error {
	resp, err := s.http.R().SetContext(ctx).
		SetBody(map[string]interface{}{
			"reason":       reason,
			"vin":          obs.VIN,
			"state":        obs.State,
			"observed_at":  obs.ObservedAt,
		}).
		Post(s.workerURL + "/scout-trigger")
	if err != nil {
		return fmt.Errorf("scout trigger: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("scout trigger: status %d", resp.StatusCode())
	}
	return nil
}

// persistObservation implements §4.4 step 5: overwrite fully when
// online; write an offline transition snapshot only once, never on
// every idle sample.
func (s *Sampler) persistObservation(ctx context.Context, obs model.VehicleObservation, atHome, chargingReady bool, last *model.LastKnownState) error {
	if obs.State == model.VehicleOnline {
		next := model.LastKnownState{
			VIN:           s.vin,
			Observation:   obs,
			AtHome:        atHome,
			ChargingReady: chargingReady,
			UpdatedAt:     time.Now(),
		}
		if last != nil {
			next.PrevAtHome = last.AtHome
			next.PrevChargingReady = last.ChargingReady
			next.PrevState = last.Observation.State
		}
		return s.store.UpsertLastKnownState(ctx, next)
	}

	if last != nil && last.Observation.State == model.VehicleOnline {
		next := model.LastKnownState{
			VIN:               s.vin,
			Observation:       obs,
			AtHome:            last.AtHome,
			ChargingReady:     false,
			PrevAtHome:        last.AtHome,
			PrevChargingReady: last.ChargingReady,
			PrevState:         last.Observation.State,
			UpdatedAt:         time.Now(),
		}
		return s.store.UpsertLastKnownState(ctx, next)
	}
	return nil
}
