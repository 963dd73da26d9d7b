package scout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mac923/offpeak-ev-controller/internal/model"
	"github.com/mac923/offpeak-ev-controller/internal/store"
)

type staticTokenReader struct {
	valid   bool
	loadErr error
	cleared int
}

func (s *staticTokenReader) Load(_ context.Context) error { return s.loadErr }
func (s *staticTokenReader) IsValid() bool                { return s.valid }
func (s *staticTokenReader) ClearLocalCache()             { s.cleared++ }

type fakeGateway struct {
	state model.VehicleObservation
	full  model.VehicleObservation
}

func (f *fakeGateway) ReadState(_ context.Context, _ string) (model.VehicleObservation, error) {
	return f.state, nil
}
func (f *fakeGateway) ReadFull(_ context.Context, _ string) (model.VehicleObservation, error) {
	return f.full, nil
}

func TestSampleFirstInitTriggersWorkerAndPersistsNothingExtra(t *testing.T) {
	var triggerHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/scout-trigger" {
			triggerHits++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := &fakeGateway{state: model.VehicleObservation{VIN: "VIN1", State: model.VehicleAsleep, ObservedAt: time.Now()}}
	st := store.NewMemoryStore()
	s := New("VIN1", srv.URL, &staticTokenReader{valid: true}, gw, st, 50.0, 20.0, 0.5)

	res, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 1, triggerHits)

	// Asleep with no prior last-known-state: nothing should be persisted (§4.4 step 5).
	last, err := st.GetLastKnownState(context.Background(), "VIN1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSampleOnlineAtHomeReadyTriggersOffPeakReconciler(t *testing.T) {
	var hitPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPaths = append(hitPaths, r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lat, lon := 50.0, 20.0
	obs := model.VehicleObservation{
		VIN: "VIN1", State: model.VehicleOnline,
		ChargingState: model.ChargingStateCharging,
		Latitude: &lat, Longitude: &lon, ObservedAt: time.Now(),
	}
	gw := &fakeGateway{state: obs, full: obs}
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertLastKnownState(context.Background(), model.LastKnownState{
		VIN: "VIN1",
		Observation: model.VehicleObservation{
			VIN: "VIN1", State: model.VehicleOffline, ObservedAt: time.Now().Add(-time.Hour),
		},
		AtHome: true, ChargingReady: false,
	}))

	s := New("VIN1", srv.URL, &staticTokenReader{valid: true}, gw, st, lat, lon, 0.5)
	res, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "trigger_a", string(res.Decision.Kind))
	assert.True(t, res.Triggered)
	assert.Contains(t, hitPaths, "/scout-trigger")

	updated, err := st.GetLastKnownState(context.Background(), "VIN1")
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.True(t, updated.ChargingReady)
	assert.True(t, updated.AtHome)
}

func TestSampleSteadyStateProducesNoTrigger(t *testing.T) {
	lat, lon := 50.0, 20.0
	obs := model.VehicleObservation{
		VIN: "VIN1", State: model.VehicleOnline,
		ChargingState: model.ChargingStateCharging,
		Latitude: &lat, Longitude: &lon, ObservedAt: time.Now(),
	}
	gw := &fakeGateway{state: obs, full: obs}
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertLastKnownState(context.Background(), model.LastKnownState{
		VIN: "VIN1", Observation: obs, AtHome: true, ChargingReady: true,
	}))

	s := New("VIN1", "http://unused.invalid", &staticTokenReader{valid: true}, gw, st, lat, lon, 0.5)
	res, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "none", string(res.Decision.Kind))
	assert.False(t, res.Triggered)
}

func TestSampleNeverCallsReadFullWhenAsleep(t *testing.T) {
	gw := &fakeGateway{
		state: model.VehicleObservation{VIN: "VIN1", State: model.VehicleAsleep, ObservedAt: time.Now()},
		full:  model.VehicleObservation{VIN: "VIN1", State: model.VehicleOnline, BatteryPercent: intPtr(99)},
	}
	st := store.NewMemoryStore()
	s := New("VIN1", "http://unused.invalid", &staticTokenReader{valid: true}, gw, st, 50.0, 20.0, 0.5)

	res, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.VehicleAsleep, res.Observation.State)
	assert.Nil(t, res.Observation.BatteryPercent)
}

func TestEnsureValidTokenRateLimitsRefreshRequests(t *testing.T) {
	var refreshHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/refresh-tokens" {
			refreshHits++
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tok := &staticTokenReader{valid: false}
	gw := &fakeGateway{state: model.VehicleObservation{VIN: "VIN1", State: model.VehicleAsleep, ObservedAt: time.Now()}}
	st := store.NewMemoryStore()
	s := New("VIN1", srv.URL, tok, gw, st, 50.0, 20.0, 0.5)

	_, err1 := s.Sample(context.Background())
	_, err2 := s.Sample(context.Background())
	require.Error(t, err1)
	require.Error(t, err2)
	assert.Equal(t, 1, refreshHits, "at most one refresh request per 60s")
}

func intPtr(i int) *int { return &i }
