// Package worker implements the Worker Dispatcher (C10): the HTTP
// surface that routes Scout triggers, scheduled triggers, and session
// callbacks to the reconciler, planner, and token manager, enforcing
// readiness and per-VIN serialization before each cycle (§4.6, §6).
// Grounded on the same gin.New()+gin.Recovery() shape as
// control-plane-controller/cmd/control-plane-controller/main.go, scaled
// up to a full route table.
package worker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mac923/offpeak-ev-controller/internal/condition"
	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/geo"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/metrics"
	"github.com/mac923/offpeak-ev-controller/internal/model"
	"github.com/mac923/offpeak-ev-controller/internal/proxy"
	"github.com/mac923/offpeak-ev-controller/internal/special"
	"github.com/mac923/offpeak-ev-controller/internal/store"
)

var proxyStates = []string{string(proxy.StateDown), string(proxy.StateStarting), string(proxy.StateUp), string(proxy.StateStopping)}

const (
	vehicleReadTimeout = 90 * time.Second
	cycleTimeout       = 5 * time.Minute
)

// TokenWriter is the capability the dispatcher needs from C2.
type TokenWriter interface {
	EnsureValid(ctx context.Context) error
	ForceRefresh(ctx context.Context) error
	MigrateFromLegacy(ctx context.Context) error
	AccessToken(ctx context.Context) (string, error)
	RemainingMinutes(now time.Time) int
}

// ProxySupervisor is the capability the dispatcher needs from C3.
type ProxySupervisor interface {
	EnsureUp(ctx context.Context) error
	Stop(ctx context.Context) error
	State() proxy.State
}

// Gateway is the subset of the vehicle gateway the dispatcher drives
// directly (outside the reconciler/planner it already wires). Wake is
// always signed here, matching special.GatewayAdapter's fixed-arity
// shape so that adapter can be reused as this Gateway too.
type Gateway interface {
	Wake(ctx context.Context, vin string) error
	WaitForOnline(ctx context.Context, vin string, timeout, interval time.Duration) error
	ReadFull(ctx context.Context, vin string) (model.VehicleObservation, error)
	ListSchedules(ctx context.Context, vin string) ([]model.ChargeSchedule, error)
	RemoveSchedule(ctx context.Context, vin string, id int) error
}

// Reconciler is the C7 capability.
type Reconciler interface {
	Reconcile(ctx context.Context, vin string, batteryPercent int, chargeRateKW, packKWh float64) error
}

// Planner is the C8 capability.
type Planner interface {
	DailyCheck(ctx context.Context) (special.DailyReport, error)
	ApplySession(ctx context.Context, s *model.SpecialChargingSession) error
	CleanupSession(ctx context.Context, sessionID string) (special.CleanupResult, error)
}

// Config carries the readiness and domain parameters the dispatcher
// needs outside its collaborators.
type Config struct {
	VIN             string
	PrivateKeyPath  string
	HomeLatitude    float64
	HomeLongitude   float64
	HomeRadiusDeg   float64
	ChargeRateKW    float64
	PackCapacityKWh float64
}

// Dispatcher is C10.
type Dispatcher struct {
	cfg        Config
	tokens     TokenWriter
	proxy      ProxySupervisor
	gateway    Gateway
	reconciler Reconciler
	planner    Planner
	store      store.Store

	engine *gin.Engine

	cycleMu  sync.Mutex
	cycleLks map[string]*sync.Mutex
}

func New(cfg Config, tokens TokenWriter, px ProxySupervisor, gw Gateway, rec Reconciler, pl Planner, st store.Store) *Dispatcher {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())

	d := &Dispatcher{
		cfg: cfg, tokens: tokens, proxy: px, gateway: gw,
		reconciler: rec, planner: pl, store: st,
		engine:   e,
		cycleLks: make(map[string]*sync.Mutex),
	}
	d.registerRoutes()
	metrics.RegisterHandler(e)
	return d
}

func (d *Dispatcher) Engine() *gin.Engine { return d.engine }

func (d *Dispatcher) Run(addr string) error {
	log.Infof("worker http server listening on %s", addr)
	return d.engine.Run(addr)
}

func (d *Dispatcher) registerRoutes() {
	d.engine.GET("/health", d.handleHealth)
	d.engine.GET("/worker-status", d.handleWorkerStatus)
	d.engine.GET("/get-token", d.handleGetToken)
	d.engine.POST("/run-cycle", d.preflight(true, d.handleRunCycle))
	d.engine.POST("/run-midnight-wake", d.preflight(true, d.handleRunMidnightWake))
	d.engine.POST("/scout-trigger", d.preflight(true, d.handleScoutTrigger))
	d.engine.POST("/refresh-tokens", d.handleRefreshTokens)
	d.engine.POST("/sync-tokens", d.handleSyncTokens)
	d.engine.POST("/daily-special-charging-check", d.preflight(false, d.handleDailyCheck))
	d.engine.POST("/send-special-schedule", d.preflight(true, d.handleSendSpecialSchedule))
	d.engine.POST("/send-special-schedule-immediate", d.preflight(true, d.handleSendSpecialScheduleImmediate))
	d.engine.POST("/cleanup-single-session", d.preflight(true, d.handleCleanupSingleSession))
	d.engine.GET("/reset", d.handleReset)
	d.engine.GET("/reset-tesla-schedules", d.preflight(true, d.handleResetTeslaSchedules))
}

func (d *Dispatcher) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "worker",
		"timestamp": time.Now().UTC(),
	})
}

func (d *Dispatcher) handleWorkerStatus(c *gin.Context) {
	state := d.proxy.State()
	remaining := d.tokens.RemainingMinutes(time.Now())
	metrics.SetProxyState(proxyStates, string(state))
	metrics.SetTokenRemainingMinutes("writer", remaining)
	c.JSON(http.StatusOK, gin.H{
		"vin":                     d.cfg.VIN,
		"proxy_state":             state,
		"token_remaining_minutes": remaining,
	})
}

func (d *Dispatcher) handleGetToken(c *gin.Context) {
	tok, err := d.tokens.AccessToken(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":      tok,
		"remaining_minutes": d.tokens.RemainingMinutes(time.Now()),
	})
}

// preflight implements §4.6 steps 1, 2, and 4 for every cycle-class
// endpoint: C2.ensure_valid, a private-key readiness check, and per-VIN
// serialization. Step 3 (C3.ensure_up) is left to the handler, since
// only some cycle endpoints issue signed commands.
func (d *Dispatcher) preflight(serialize bool, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cycleTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		if err := d.tokens.EnsureValid(ctx); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "token_unavailable"})
			return
		}
		if !proxy.PrivateKeyReady(d.cfg.PrivateKeyPath) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "private_key_not_ready"})
			return
		}

		if serialize {
			lock := d.lockFor(d.cfg.VIN)
			lock.Lock()
			defer lock.Unlock()
		}

		next(c)
	}
}

// runGuarded applies the same readiness checks and optional per-VIN
// serialization as preflight, for callers outside the gin request
// cycle (the Continuous-mode internal scheduler, §4.10).
func (d *Dispatcher) runGuarded(ctx context.Context, serialize bool, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	defer cancel()

	if err := d.tokens.EnsureValid(ctx); err != nil {
		log.ErrorfCtx(ctx, "scheduled cycle: token unavailable: %v", err)
		return
	}
	if !proxy.PrivateKeyReady(d.cfg.PrivateKeyPath) {
		log.ErrorfCtx(ctx, "scheduled cycle: private key not ready")
		return
	}
	if serialize {
		lock := d.lockFor(d.cfg.VIN)
		lock.Lock()
		defer lock.Unlock()
	}

	start := time.Now()
	cycleCtx, cycleCancel := context.WithTimeout(ctx, vehicleReadTimeout)
	defer cycleCancel()
	err := fn(cycleCtx)
	elapsed := time.Since(start).Seconds()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		log.ErrorfCtx(ctx, "scheduled cycle failed: %v", err)
	}
	metrics.ObserveCycle("scheduled", outcome, elapsed)
}

// TriggerRunCycle executes one off-peak reconciliation cycle, applying
// the same readiness checks and per-VIN serialization as POST
// /run-cycle. Used by the Continuous-mode internal scheduler (§4.10).
func (d *Dispatcher) TriggerRunCycle(ctx context.Context) {
	d.runGuarded(ctx, true, func(ctx context.Context) error {
		battery := d.currentBatteryHint(ctx)
		return d.reconciler.Reconcile(ctx, d.cfg.VIN, battery, d.cfg.ChargeRateKW, d.cfg.PackCapacityKWh)
	})
}

// TriggerMidnightWake runs the midnight wake-and-record cycle, mirroring
// POST /run-midnight-wake for the Continuous-mode scheduler.
func (d *Dispatcher) TriggerMidnightWake(ctx context.Context) {
	d.runGuarded(ctx, true, func(ctx context.Context) error {
		return d.wakeAndRecord(ctx)
	})
}

// TriggerDailyCheck runs the daily special-charging check, mirroring
// POST /daily-special-charging-check for the Continuous-mode scheduler.
func (d *Dispatcher) TriggerDailyCheck(ctx context.Context) {
	d.runGuarded(ctx, false, func(ctx context.Context) error {
		_, err := d.planner.DailyCheck(ctx)
		return err
	})
}

func (d *Dispatcher) lockFor(vin string) *sync.Mutex {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()
	l, ok := d.cycleLks[vin]
	if !ok {
		l = &sync.Mutex{}
		d.cycleLks[vin] = l
	}
	return l
}

type cycleResult struct {
	Status             string  `json:"status"`
	ExecutionTimeSecs  float64 `json:"execution_time_seconds"`
	Error              string  `json:"error,omitempty"`
}

func (d *Dispatcher) runTimedCycle(c *gin.Context, fn func(ctx context.Context) error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), vehicleReadTimeout)
	defer cancel()

	err := fn(ctx)
	elapsed := time.Since(start).Seconds()
	res := cycleResult{Status: "ok", ExecutionTimeSecs: elapsed}
	status := http.StatusOK
	outcome := "ok"
	if err != nil {
		res.Status = "error"
		if ctx.Err() != nil {
			res.Error = errs.ErrCycleTimeout.Error()
		} else {
			res.Error = err.Error()
		}
		status = http.StatusInternalServerError
		outcome = "error"
	}
	metrics.ObserveCycle(c.FullPath(), outcome, elapsed)
	c.JSON(status, res)
}

func (d *Dispatcher) currentBatteryHint(ctx context.Context) int {
	last, err := d.store.GetLastKnownState(ctx, d.cfg.VIN)
	if err != nil || last == nil || last.Observation.BatteryPercent == nil {
		return 50
	}
	return *last.Observation.BatteryPercent
}

func (d *Dispatcher) handleRunCycle(c *gin.Context) {
	d.runTimedCycle(c, func(ctx context.Context) error {
		battery := d.currentBatteryHint(ctx)
		return d.reconciler.Reconcile(ctx, d.cfg.VIN, battery, d.cfg.ChargeRateKW, d.cfg.PackCapacityKWh)
	})
}

func (d *Dispatcher) handleRunMidnightWake(c *gin.Context) {
	d.runTimedCycle(c, func(ctx context.Context) error {
		return d.wakeAndRecord(ctx)
	})
}

func (d *Dispatcher) wakeAndRecord(ctx context.Context) error {
	if err := d.gateway.Wake(ctx, d.cfg.VIN); err != nil {
		return err
	}
	if err := d.gateway.WaitForOnline(ctx, d.cfg.VIN, 30*time.Second, time.Second); err != nil {
		return err
	}
	obs, err := d.gateway.ReadFull(ctx, d.cfg.VIN)
	if err != nil {
		return err
	}
	last, _ := d.store.GetLastKnownState(ctx, d.cfg.VIN)
	next := model.LastKnownState{
		VIN:           d.cfg.VIN,
		Observation:   obs,
		AtHome:        true,
		ChargingReady: obs.ChargingReady(),
		UpdatedAt:     time.Now(),
	}
	if last != nil {
		next.PrevAtHome = last.AtHome
		next.PrevChargingReady = last.ChargingReady
		next.PrevState = last.Observation.State
	}
	return d.store.UpsertLastKnownState(ctx, next)
}

type scoutTriggerRequest struct {
	Reason string `json:"reason"`
	VIN    string `json:"vin"`
	State  string `json:"state"`
}

// handleScoutTrigger dispatches on the decision kind Scout signalled
// (§4.4's DecisionFirstInit/TriggerA/TriggerBWake).
func (d *Dispatcher) handleScoutTrigger(c *gin.Context) {
	var req scoutTriggerRequest
	_ = c.ShouldBindJSON(&req)

	d.runTimedCycle(c, func(ctx context.Context) error {
		switch req.Reason {
		case string(condition.DecisionTriggerBWake):
			return d.wakeAndRecord(ctx)
		case string(condition.DecisionTriggerA), string(condition.DecisionFirstInit):
			battery := d.currentBatteryHint(ctx)
			return d.reconciler.Reconcile(ctx, d.cfg.VIN, battery, d.cfg.ChargeRateKW, d.cfg.PackCapacityKWh)
		default:
			return nil
		}
	})
}

type refreshTokensRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

func (d *Dispatcher) handleRefreshTokens(c *gin.Context) {
	var req refreshTokensRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	if err := d.tokens.ForceRefresh(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"remaining_minutes": d.tokens.RemainingMinutes(time.Now()),
	})
}

func (d *Dispatcher) handleSyncTokens(c *gin.Context) {
	ctx := c.Request.Context()
	if err := d.tokens.MigrateFromLegacy(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "migrated"})
}

func (d *Dispatcher) handleDailyCheck(c *gin.Context) {
	report, err := d.planner.DailyCheck(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

type sessionIDRequest struct {
	SessionID string `json:"session_id"`
}

func (d *Dispatcher) handleSendSpecialSchedule(c *gin.Context) {
	var req sessionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "session_id required"})
		return
	}

	d.runTimedCycle(c, func(ctx context.Context) error {
		session, err := d.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		return d.planner.ApplySession(ctx, session)
	})
}

type sendImmediateRequest struct {
	TargetPercent int    `json:"target_percent"`
	Reason        string `json:"reason"`
}

// handleSendSpecialScheduleImmediate is the test hook from §6: synthesize
// a session for a target percent and apply it right away.
func (d *Dispatcher) handleSendSpecialScheduleImmediate(c *gin.Context) {
	var req sendImmediateRequest
	_ = c.ShouldBindJSON(&req)
	if req.TargetPercent == 0 {
		req.TargetPercent = 90
	}

	d.runTimedCycle(c, func(ctx context.Context) error {
		battery := d.currentBatteryHint(ctx)
		hours, ok := special.RequiredHours(req.TargetPercent, battery, d.cfg.PackCapacityKWh, d.cfg.ChargeRateKW)
		if !ok {
			hours = 0.1
		}
		now := time.Now()
		session := model.SpecialChargingSession{
			SessionID:     special.SessionID(0, now),
			VIN:           d.cfg.VIN,
			Status:        model.SessionScheduled,
			TargetPercent: req.TargetPercent,
			ChargingStart: now,
			ChargingEnd:   now.Add(time.Duration(hours * float64(time.Hour))),
		}
		return d.planner.ApplySession(ctx, &session)
	})
}

func (d *Dispatcher) handleCleanupSingleSession(c *gin.Context) {
	var req sessionIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}
	result, err := d.planner.CleanupSession(c.Request.Context(), req.SessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (d *Dispatcher) handleReset(c *gin.Context) {
	if err := d.store.Reset(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// handleResetTeslaSchedules removes every HOME schedule from the
// vehicle (§6 diagnostic/recovery endpoint).
func (d *Dispatcher) handleResetTeslaSchedules(c *gin.Context) {
	ctx := c.Request.Context()
	schedules, err := d.gateway.ListSchedules(ctx, d.cfg.VIN)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		return
	}

	found, removed, failed := 0, 0, 0
	for _, s := range schedules {
		if s.ID == nil {
			continue
		}
		if geo.DegreeDistance(s.Latitude, s.Longitude, d.cfg.HomeLatitude, d.cfg.HomeLongitude) > d.cfg.HomeRadiusDeg {
			continue
		}
		found++
		if err := d.gateway.RemoveSchedule(ctx, d.cfg.VIN, *s.ID); err != nil {
			failed++
			log.ErrorfCtx(ctx, "reset-tesla-schedules: remove %d failed: %v", *s.ID, err)
			continue
		}
		removed++
	}

	remaining, _ := d.gateway.ListSchedules(ctx, d.cfg.VIN)
	c.JSON(http.StatusOK, gin.H{
		"schedules_found":     found,
		"schedules_removed":   removed,
		"schedules_failed":    failed,
		"remaining_schedules": len(remaining),
	})
}
