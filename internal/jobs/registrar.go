// Package jobs implements the One-Shot Job Registrar (C9) and Worker's
// internal Continuous-mode scheduler (§4.10). The registrar is a resty
// client against an external cron-style invoker; the continuous
// scheduler uses the same cron.New(cron.WithChain(SkipIfStillRunning))
// shape as Lens/modules/jobs/pkg/jobs/runner.go, generalized from a
// fixed job set to the daytime/overnight/midnight cadence this
// controller needs.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/robfig/cron/v3"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/log"
)

// Spec is a one-shot job registration request (§4.9 register()).
type Spec struct {
	Name             string
	TriggerTimeLocal time.Time
	Endpoint         string
	Payload          map[string]interface{}
}

// Registrar talks to the external cron-style invoker.
type Registrar struct {
	http       *resty.Client
	identity   string
}

// NewRegistrar builds a Registrar. identityToken is carried on every
// request so callbacks into the Worker Dispatcher are authenticated
// (§4.9 "identity token tied to the Worker Dispatcher's endpoint").
func NewRegistrar(baseURL, apiToken, identityToken string, timeout time.Duration) *Registrar {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiToken != "" {
		c.SetAuthToken(apiToken)
	}
	return &Registrar{http: c, identity: identityToken}
}

type createJobRequest struct {
	Name     string                 `json:"name"`
	Minute   int                    `json:"minute"`
	Hour     int                    `json:"hour"`
	Day      int                    `json:"day_of_month"`
	Month    int                    `json:"month"`
	Endpoint string                 `json:"endpoint"`
	Payload  map[string]interface{} `json:"payload"`
	Identity string                 `json:"identity_token"`
}

// Register creates or replaces a named one-shot job. Replace semantics:
// if a job with the same name exists, delete it first, wait ~1s, then
// create (§4.9 register()).
func (r *Registrar) Register(ctx context.Context, spec Spec) error {
	_ = r.Delete(ctx, spec.Name)
	time.Sleep(time.Second)

	req := createJobRequest{
		Name:     spec.Name,
		Minute:   spec.TriggerTimeLocal.Minute(),
		Hour:     spec.TriggerTimeLocal.Hour(),
		Day:      spec.TriggerTimeLocal.Day(),
		Month:    int(spec.TriggerTimeLocal.Month()),
		Endpoint: spec.Endpoint,
		Payload:  spec.Payload,
		Identity: r.identity,
	}
	resp, err := r.http.R().SetContext(ctx).SetBody(req).Post("/jobs")
	if err != nil {
		return fmt.Errorf("register job %s: %w", spec.Name, err)
	}
	if resp.StatusCode() == 409 {
		return fmt.Errorf("register job %s: %w", spec.Name, errs.ErrJobAlreadyExists)
	}
	if resp.IsError() {
		return fmt.Errorf("register job %s: status %d", spec.Name, resp.StatusCode())
	}
	log.InfofCtx(ctx, "registered one-shot job %s for %s", spec.Name, spec.TriggerTimeLocal)
	return nil
}

// Delete removes a named job, best-effort (§4.9 delete()).
func (r *Registrar) Delete(ctx context.Context, name string) error {
	resp, err := r.http.R().SetContext(ctx).Delete("/jobs/" + name)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", name, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("delete job %s: status %d", name, resp.StatusCode())
	}
	return nil
}

// ContinuousScheduler is Worker's internal scheduler for Continuous
// mode (§4.10), using the same
// cron.New(cron.WithChain(cron.SkipIfStillRunning(...))) pattern so a
// slow cycle never overlaps itself.
type ContinuousScheduler struct {
	cron *cron.Cron
}

func NewContinuousScheduler() *ContinuousScheduler {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return &ContinuousScheduler{cron: c}
}

// AddDaytimeCycle schedules the 15-minute daytime cadence.
func (s *ContinuousScheduler) AddDaytimeCycle(fn func()) error {
	_, err := s.cron.AddFunc("*/15 6-22 * * *", fn)
	return err
}

// AddOvernightCycle schedules the 60-minute overnight cadence.
func (s *ContinuousScheduler) AddOvernightCycle(fn func()) error {
	_, err := s.cron.AddFunc("0 23,0-5 * * *", fn)
	return err
}

// AddMidnightWake schedules the once-per-local-day midnight job.
func (s *ContinuousScheduler) AddMidnightWake(fn func()) error {
	_, err := s.cron.AddFunc("0 0 * * *", fn)
	return err
}

// AddDailySpecialCheck schedules the daily special-charging check.
func (s *ContinuousScheduler) AddDailySpecialCheck(atHour, atMinute int, fn func()) error {
	_, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", atMinute, atHour), fn)
	return err
}

func (s *ContinuousScheduler) Start() { s.cron.Start() }
func (s *ContinuousScheduler) Stop()  { _ = s.cron.Stop() }
