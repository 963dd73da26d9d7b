// Package vehicle implements the Vehicle Gateway (C1): a thin capability
// wrapper over the vehicle cloud API, in the resty client shape used
// throughout the example pack (e.g. Lens/modules/ai-advisor/pkg/client).
// It knows which calls require the signed-command path and refuses to
// perform them unrouted, and it never wakes the vehicle implicitly.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/log"
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

// AccessTokenProvider is the read side of the token manager (satisfied
// by both token.Reader and token.Writer).
type AccessTokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// ForceRefresher is the write side of the token manager. Only Worker
// wires a non-nil ForceRefresher into the gateway; Scout's gateway is
// built with nil, so the bounded retry-after-forced-refresh in §4.1 is
// simply unavailable to Scout, matching "Scout never writes tokens".
type ForceRefresher interface {
	ForceRefresh(ctx context.Context) error
}

// Config configures the gateway's transport.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Gateway is the Vehicle Gateway (C1).
type Gateway struct {
	client    *resty.Client
	tokens    AccessTokenProvider
	refresher ForceRefresher
	signed    SignedClient
}

// SignedClient is the subset of the proxy supervisor the gateway needs
// to perform signed operations: a readiness check and a routed client.
type SignedClient interface {
	Probe(ctx context.Context) bool
	RoutedClient() *resty.Client
}

func New(cfg Config, tokens AccessTokenProvider, refresher ForceRefresher, signed SignedClient) *Gateway {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &Gateway{client: c, tokens: tokens, refresher: refresher, signed: signed}
}

type callOpts struct {
	allowUnsigned bool
}

// Option customizes an individual gateway call.
type Option func(*callOpts)

// AllowUnsignedDegradation lets the caller explicitly accept an unsigned
// command path when the signing proxy is unavailable (§4.1 "unless the
// caller explicitly accepts unsigned degradation").
func AllowUnsignedDegradation() Option {
	return func(o *callOpts) { o.allowUnsigned = true }
}

func (g *Gateway) authedRequest(ctx context.Context) (*resty.Request, error) {
	tok, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("vehicle gateway: %w", err)
	}
	return g.client.R().SetContext(ctx).SetAuthToken(tok), nil
}

// signedRequest returns a request routed through the signing proxy, or
// ErrProxyRequired if the proxy is not up and the caller has not opted
// into unsigned degradation (§4.1 invariant).
func (g *Gateway) signedRequest(ctx context.Context, opts callOpts) (*resty.Request, error) {
	tok, err := g.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("vehicle gateway: %w", err)
	}
	if g.signed != nil && g.signed.Probe(ctx) {
		return g.signed.RoutedClient().R().SetContext(ctx).SetAuthToken(tok), nil
	}
	if opts.allowUnsigned {
		return g.client.R().SetContext(ctx).SetAuthToken(tok), nil
	}
	return nil, errs.ErrProxyRequired
}

// withAuthRetry performs fn once, and on ErrAuthExpired forces a token
// refresh and retries exactly once (§4.1 "bounded to one retry after
// forced token refresh"). Without a ForceRefresher (Scout), the error
// is surfaced unretried.
func (g *Gateway) withAuthRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, errs.ErrAuthExpired) {
		return err
	}
	if g.refresher == nil {
		return err
	}
	log.WarnCtx(ctx, "vehicle call hit AuthExpired, forcing refresh and retrying once")
	if rerr := g.refresher.ForceRefresh(ctx); rerr != nil {
		return fmt.Errorf("forced refresh after AuthExpired: %w", rerr)
	}
	return fn()
}

func classifyStatus(status int) error {
	switch status {
	case 401:
		return errs.ErrAuthExpired
	case 403:
		return errs.ErrAuthForbidden
	default:
		return nil
	}
}

type vehicleSummary struct {
	VIN string `json:"vin"`
}

// ListVehicles returns the VINs reachable with the current credentials.
func (g *Gateway) ListVehicles(ctx context.Context) ([]string, error) {
	var vins []string
	err := g.withAuthRetry(ctx, func() error {
		req, err := g.authedRequest(ctx)
		if err != nil {
			return err
		}
		var payload struct {
			Response []vehicleSummary `json:"response"`
		}
		resp, err := req.SetResult(&payload).Get("/api/1/vehicles")
		if err != nil {
			return fmt.Errorf("list vehicles: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("list vehicles: status %d", resp.StatusCode())
		}
		vins = vins[:0]
		for _, v := range payload.Response {
			vins = append(vins, v.VIN)
		}
		return nil
	})
	return vins, err
}

type stateEnvelope struct {
	Response struct {
		State           string   `json:"state"`
		BatteryPercent  *int     `json:"battery_level,omitempty"`
		ChargingState   string   `json:"charging_state,omitempty"`
		ConnChargeCable string   `json:"conn_charge_cable,omitempty"`
		Latitude        *float64 `json:"latitude,omitempty"`
		Longitude       *float64 `json:"longitude,omitempty"`
	} `json:"response"`
}

// ReadState returns the cheap-field-only observation (§4.1 read_state):
// it never inspects location/battery/charge data, so it never requires
// the vehicle to be online.
func (g *Gateway) ReadState(ctx context.Context, vin string) (model.VehicleObservation, error) {
	var obs model.VehicleObservation
	err := g.withAuthRetry(ctx, func() error {
		req, err := g.authedRequest(ctx)
		if err != nil {
			return err
		}
		var env stateEnvelope
		resp, err := req.SetResult(&env).Get(fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=charge_state", vin))
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("read state: status %d", resp.StatusCode())
		}
		obs = model.VehicleObservation{
			VIN:        vin,
			State:      model.VehicleState(env.Response.State),
			ObservedAt: time.Now().UTC(),
		}
		return nil
	})
	return obs, err
}

// ReadFull fills battery, location, and charge fields. Fails with
// ErrVehicleOffline unless the vehicle is already online; it never
// wakes the vehicle to satisfy this call (§4.1 invariant, P8).
func (g *Gateway) ReadFull(ctx context.Context, vin string) (model.VehicleObservation, error) {
	state, err := g.ReadState(ctx, vin)
	if err != nil {
		return model.VehicleObservation{}, err
	}
	if state.State != model.VehicleOnline {
		return state, errs.ErrVehicleOffline
	}

	var obs model.VehicleObservation
	err = g.withAuthRetry(ctx, func() error {
		req, err := g.authedRequest(ctx)
		if err != nil {
			return err
		}
		var env stateEnvelope
		resp, err := req.SetResult(&env).
			Get(fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=charge_state%%3Bdrive_state", vin))
		if err != nil {
			return fmt.Errorf("read full: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("read full: status %d", resp.StatusCode())
		}
		obs = model.VehicleObservation{
			VIN:            vin,
			State:          model.VehicleOnline,
			BatteryPercent: env.Response.BatteryPercent,
			ChargingState:  model.ChargingState(env.Response.ChargingState),
			ConnCable:      env.Response.ConnChargeCable,
			Latitude:       env.Response.Latitude,
			Longitude:      env.Response.Longitude,
			ObservedAt:     time.Now().UTC(),
		}
		return nil
	})
	return obs, err
}

// Wake requests the vehicle wake up. useSigned routes it through the
// signing proxy when true; it is the caller's job (Worker only) to
// decide a wake is appropriate — the gateway never calls this itself.
func (g *Gateway) Wake(ctx context.Context, vin string, useSigned bool, opts ...Option) error {
	o := applyOpts(opts)
	return g.withAuthRetry(ctx, func() error {
		req, err := g.requestFor(ctx, useSigned, o)
		if err != nil {
			return err
		}
		resp, err := req.Post(fmt.Sprintf("/api/1/vehicles/%s/wake_up", vin))
		if err != nil {
			return fmt.Errorf("wake: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("wake: status %d", resp.StatusCode())
		}
		return nil
	})
}

// WaitForOnline polls read_state until the vehicle reports online or
// the timeout elapses (§4.6/§4.8.2 "wait up to 30s for online").
func (g *Gateway) WaitForOnline(ctx context.Context, vin string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		obs, err := g.ReadState(ctx, vin)
		if err == nil && obs.State == model.VehicleOnline {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.ErrVehicleOffline
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// SetChargeLimit sets the charge limit percent. Signed (§4.1).
func (g *Gateway) SetChargeLimit(ctx context.Context, vin string, percent int, opts ...Option) error {
	o := applyOpts(opts)
	return g.withAuthRetry(ctx, func() error {
		req, err := g.signedRequest(ctx, o)
		if err != nil {
			return err
		}
		resp, err := req.
			SetBody(map[string]int{"percent": percent}).
			Post(fmt.Sprintf("/api/1/vehicles/%s/command/set_charge_limit", vin))
		if err != nil {
			return fmt.Errorf("set charge limit: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("set charge limit: status %d", resp.StatusCode())
		}
		return nil
	})
}

type addScheduleResponse struct {
	Response struct {
		ID int `json:"id"`
	} `json:"response"`
}

// AddSchedule adds a charge schedule. Signed (§4.1).
func (g *Gateway) AddSchedule(ctx context.Context, vin string, s model.ChargeSchedule, opts ...Option) (int, error) {
	o := applyOpts(opts)
	var id int
	err := g.withAuthRetry(ctx, func() error {
		req, err := g.signedRequest(ctx, o)
		if err != nil {
			return err
		}
		var out addScheduleResponse
		resp, err := req.
			SetBody(s).
			SetResult(&out).
			Post(fmt.Sprintf("/api/1/vehicles/%s/command/add_charge_schedule", vin))
		if err != nil {
			return fmt.Errorf("add schedule: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("add schedule: status %d", resp.StatusCode())
		}
		id = out.Response.ID
		return nil
	})
	return id, err
}

// RemoveSchedule removes a charge schedule by id. Signed (§4.1).
func (g *Gateway) RemoveSchedule(ctx context.Context, vin string, id int, opts ...Option) error {
	o := applyOpts(opts)
	return g.withAuthRetry(ctx, func() error {
		req, err := g.signedRequest(ctx, o)
		if err != nil {
			return err
		}
		resp, err := req.
			SetBody(map[string]int{"id": id}).
			Post(fmt.Sprintf("/api/1/vehicles/%s/command/remove_charge_schedule", vin))
		if err != nil {
			return fmt.Errorf("remove schedule: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("remove schedule: status %d", resp.StatusCode())
		}
		return nil
	})
}

type listSchedulesResponse struct {
	Response struct {
		ChargeSchedules []model.ChargeSchedule `json:"charge_schedule_data"`
	} `json:"response"`
}

// ListSchedules lists the vehicle's current charge schedules (unsigned read).
func (g *Gateway) ListSchedules(ctx context.Context, vin string) ([]model.ChargeSchedule, error) {
	var schedules []model.ChargeSchedule
	err := g.withAuthRetry(ctx, func() error {
		req, err := g.authedRequest(ctx)
		if err != nil {
			return err
		}
		var out listSchedulesResponse
		resp, err := req.SetResult(&out).
			Get(fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=charge_schedule_data", vin))
		if err != nil {
			return fmt.Errorf("list schedules: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("list schedules: status %d", resp.StatusCode())
		}
		schedules = out.Response.ChargeSchedules
		return nil
	})
	return schedules, err
}

type chargeLimitResponse struct {
	Response struct {
		ChargeLimitSoc int `json:"charge_limit_soc"`
	} `json:"response"`
}

// ReadChargeLimit returns the vehicle's current charge limit percent
// (unsigned read, used by the special-charging planner's §4.8.2 step 3).
func (g *Gateway) ReadChargeLimit(ctx context.Context, vin string) (int, error) {
	var limit int
	err := g.withAuthRetry(ctx, func() error {
		req, err := g.authedRequest(ctx)
		if err != nil {
			return err
		}
		var out chargeLimitResponse
		resp, err := req.SetResult(&out).
			Get(fmt.Sprintf("/api/1/vehicles/%s/vehicle_data?endpoints=charge_state", vin))
		if err != nil {
			return fmt.Errorf("read charge limit: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("read charge limit: status %d", resp.StatusCode())
		}
		limit = out.Response.ChargeLimitSoc
		return nil
	})
	return limit, err
}

// ChargeStart issues a signed charge-start command, used only by the
// §4.7 step 9 "charge-now" optimisation.
func (g *Gateway) ChargeStart(ctx context.Context, vin string, opts ...Option) error {
	o := applyOpts(opts)
	return g.withAuthRetry(ctx, func() error {
		req, err := g.signedRequest(ctx, o)
		if err != nil {
			return err
		}
		resp, err := req.Post(fmt.Sprintf("/api/1/vehicles/%s/command/charge_start", vin))
		if err != nil {
			return fmt.Errorf("charge start: %w", err)
		}
		if cerr := classifyStatus(resp.StatusCode()); cerr != nil {
			return cerr
		}
		if resp.IsError() {
			return fmt.Errorf("charge start: status %d", resp.StatusCode())
		}
		return nil
	})
}

func applyOpts(opts []Option) callOpts {
	var o callOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// requestFor builds a request routed through the signing proxy if
// useSigned is true, otherwise a plain authed request.
func (g *Gateway) requestFor(ctx context.Context, useSigned bool, o callOpts) (*resty.Request, error) {
	if useSigned {
		return g.signedRequest(ctx, o)
	}
	return g.authedRequest(ctx)
}
