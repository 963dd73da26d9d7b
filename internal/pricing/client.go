// Package pricing is a resty client for the external pricing/plan API
// consulted by the Off-Peak Reconciler (C7). The API's own optimization
// algorithm is a black box (§1 Non-goals); this package only knows the
// request/response wire shape (§6).
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

// Request is the fixed shape sent to the planner (§4.7 step 1).
type Request struct {
	BatteryPercent    int     `json:"battery_percent"`
	PackCapacityKWh   float64 `json:"pack_capacity_kwh"`
	DailyConsumption  float64 `json:"daily_consumption_kwh"`
	ChargeRateKW      float64 `json:"charge_rate_kw"`
	OptimalThreshold  float64 `json:"optimal_threshold"`
	EmergencyThreshold float64 `json:"emergency_threshold"`
}

type scheduleEntry struct {
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	ChargeAmount float64   `json:"charge_amount"`
	Cost         float64   `json:"cost"`
}

type planResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Summary struct {
			ScheduledSlots int     `json:"scheduledSlots"`
			TotalEnergy    float64 `json:"totalEnergy"`
			TotalCost      float64 `json:"totalCost"`
			AveragePrice   float64 `json:"averagePrice"`
		} `json:"summary"`
		ChargingSchedule []scheduleEntry `json:"chargingSchedule"`
	} `json:"data"`
}

// Client queries the plan API.
type Client struct {
	http *resty.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		c.SetAuthToken(apiKey)
	}
	return &Client{http: c}
}

// FetchPlan queries the planner and returns the off-peak plan in the
// API's slot order, with slot times kept in the offsets the API sent
// (no conversion to another zone). It retries transient failures a few times with backoff before
// giving up; callers are responsible for the §4.7 step-1 fallback once
// it does.
func (c *Client) FetchPlan(ctx context.Context, req Request) (model.OffPeakPlan, error) {
	var out planResponse

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&out).
			Post("/api/plan")
		if err != nil {
			return err
		}
		if resp.IsError() || !out.Success {
			return fmt.Errorf("status %d", resp.StatusCode())
		}
		return nil
	}, policy)
	if err != nil {
		return model.OffPeakPlan{}, fmt.Errorf("%w: %s", errs.ErrPlannerUnavailable, err)
	}

	plan := model.OffPeakPlan{Slots: make([]model.OffPeakSlot, 0, len(out.Data.ChargingSchedule))}
	for _, e := range out.Data.ChargingSchedule {
		plan.Slots = append(plan.Slots, model.OffPeakSlot{
			StartLocal: e.StartTime,
			EndLocal:   e.EndTime,
			EnergyKWh:  e.ChargeAmount,
			Cost:       e.Cost,
		})
	}
	return plan, nil
}

// FallbackPlan synthesizes the §4.7 step-1 fallback plan (13:00-15:00
// local, ~22 kWh) used when the planner is unreachable.
func FallbackPlan(loc *time.Location, now time.Time, startMin, endMin int, energyKWh float64) model.OffPeakPlan {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	start := day.Add(time.Duration(startMin) * time.Minute)
	end := day.Add(time.Duration(endMin) * time.Minute)
	return model.OffPeakPlan{Slots: []model.OffPeakSlot{
		{StartLocal: start, EndLocal: end, EnergyKWh: energyKWh, Day: "fallback"},
	}}
}
