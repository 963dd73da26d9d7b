package vehicle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

type staticTokens struct{ tok string }

func (s staticTokens) AccessToken(_ context.Context) (string, error) { return s.tok, nil }

type countingRefresher struct{ calls int }

func (r *countingRefresher) ForceRefresh(_ context.Context) error {
	r.calls++
	return nil
}

func TestReadFullRefusesOfflineVehicleWithoutWaking(t *testing.T) {
	var wakeCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/1/vehicles/VIN1/wake_up":
			wakeCalled = true
			w.WriteHeader(200)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"response":{"state":"asleep"}}`))
		}
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, staticTokens{"tok"}, nil, nil)
	_, err := g.ReadFull(context.Background(), "VIN1")
	require.ErrorIs(t, err, errs.ErrVehicleOffline)
	assert.False(t, wakeCalled, "ReadFull must never trigger a wake")
}

func TestReadFullPopulatesFieldsWhenOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":{"state":"online","battery_level":72,"charging_state":"Charging","conn_charge_cable":"IEC"}}`))
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second}, staticTokens{"tok"}, nil, nil)
	obs, err := g.ReadFull(context.Background(), "VIN1")
	require.NoError(t, err)
	assert.Equal(t, model.VehicleOnline, obs.State)
	require.NotNil(t, obs.BatteryPercent)
	assert.Equal(t, 72, *obs.BatteryPercent)
	assert.Equal(t, model.ChargingStateCharging, obs.ChargingState)
	assert.True(t, obs.ChargingReady())
}

func TestSignedCommandWithoutProxyReturnsProxyRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("signed command must not reach the vehicle API without proxy readiness")
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Timeout: time.Second}, staticTokens{"tok"}, nil, nil)
	err := g.SetChargeLimit(context.Background(), "VIN1", 80)
	assert.ErrorIs(t, err, errs.ErrProxyRequired)
}

func TestSignedCommandAllowsExplicitUnsignedDegradation(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(200)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Timeout: time.Second}, staticTokens{"tok"}, nil, nil)
	err := g.SetChargeLimit(context.Background(), "VIN1", 80, AllowUnsignedDegradation())
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestAuthExpiredTriggersExactlyOneForcedRefreshAndRetry(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(401)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":[{"vin":"VIN1"}]}`))
	}))
	defer srv.Close()

	refresher := &countingRefresher{}
	g := New(Config{BaseURL: srv.URL, Timeout: time.Second}, staticTokens{"tok"}, refresher, nil)
	vins, err := g.ListVehicles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"VIN1"}, vins)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 2, attempts)
}

func TestAuthExpiredWithoutRefresherSurfacesUnretried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(401)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Timeout: time.Second}, staticTokens{"tok"}, nil, nil)
	_, err := g.ListVehicles(context.Background())
	assert.ErrorIs(t, err, errs.ErrAuthExpired)
	assert.Equal(t, 1, attempts)
}
