package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPlanParsesChargingSchedule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"summary":{"scheduledSlots":1},"chargingSchedule":[
			{"start_time":"2026-01-01T13:00:00Z","end_time":"2026-01-01T15:00:00Z","charge_amount":22.5,"cost":4.1}
		]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second)
	plan, err := c.FetchPlan(context.Background(), Request{BatteryPercent: 50})
	require.NoError(t, err)
	require.Len(t, plan.Slots, 1)
	assert.InDelta(t, 22.5, plan.Slots[0].EnergyKWh, 0.001)
}

func TestFetchPlanRetriesBeforeGivingUp(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second)
	_, err := c.FetchPlan(context.Background(), Request{BatteryPercent: 50})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}
