package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mac923/offpeak-ev-controller/internal/model"
	"github.com/mac923/offpeak-ev-controller/internal/proxy"
	"github.com/mac923/offpeak-ev-controller/internal/special"
	"github.com/mac923/offpeak-ev-controller/internal/store"
)

type fakeTokens struct {
	ensureErr error
	refreshes int32
}

func (f *fakeTokens) EnsureValid(_ context.Context) error  { return f.ensureErr }
func (f *fakeTokens) ForceRefresh(_ context.Context) error { atomic.AddInt32(&f.refreshes, 1); return nil }
func (f *fakeTokens) MigrateFromLegacy(_ context.Context) error { return nil }
func (f *fakeTokens) AccessToken(_ context.Context) (string, error) { return "tok123", nil }
func (f *fakeTokens) RemainingMinutes(_ time.Time) int { return 55 }

type fakeProxy struct{}

func (fakeProxy) EnsureUp(_ context.Context) error { return nil }
func (fakeProxy) Stop(_ context.Context) error     { return nil }
func (fakeProxy) State() proxy.State               { return proxy.StateUp }

type fakeGateway struct {
	schedules []model.ChargeSchedule
	removed   []int
}

func (f *fakeGateway) Wake(_ context.Context, _ string) error { return nil }
func (f *fakeGateway) WaitForOnline(_ context.Context, _ string, _, _ time.Duration) error {
	return nil
}
func (f *fakeGateway) ReadFull(_ context.Context, _ string) (model.VehicleObservation, error) {
	return model.VehicleObservation{VIN: "VIN1", State: model.VehicleOnline}, nil
}
func (f *fakeGateway) ListSchedules(_ context.Context, _ string) ([]model.ChargeSchedule, error) {
	return f.schedules, nil
}
func (f *fakeGateway) RemoveSchedule(_ context.Context, _ string, id int) error {
	f.removed = append(f.removed, id)
	return nil
}

type fakeReconciler struct {
	calls int32
	err   error
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ string, _ int, _, _ float64) error {
	atomic.AddInt32(&f.calls, 1)
	return f.err
}

type slowReconciler struct {
	started  chan struct{}
	release  chan struct{}
}

func (s *slowReconciler) Reconcile(ctx context.Context, _ string, _ int, _, _ float64) error {
	close(s.started)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

type fakePlanner struct {
	dailyReport special.DailyReport
	applyErr    error
	applied     []string
}

func (f *fakePlanner) DailyCheck(_ context.Context) (special.DailyReport, error) {
	return f.dailyReport, nil
}
func (f *fakePlanner) ApplySession(_ context.Context, s *model.SpecialChargingSession) error {
	f.applied = append(f.applied, s.SessionID)
	return f.applyErr
}
func (f *fakePlanner) CleanupSession(_ context.Context, sessionID string) (special.CleanupResult, error) {
	return special.CleanupResult{SessionID: sessionID, Cleaned: true, CleanupJobDeleted: true}, nil
}

func writeKeyFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("not-empty"), 0o600))
	return path
}

func testConfig(keyPath string) Config {
	return Config{
		VIN: "VIN1", PrivateKeyPath: keyPath,
		HomeLatitude: 50.0, HomeLongitude: 20.0, HomeRadiusDeg: 0.03,
		ChargeRateKW: 11, PackCapacityKWh: 75,
	}
}

func TestHealthEndpointNeedsNoPreflight(t *testing.T) {
	d := New(testConfig(""), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, &fakeReconciler{}, &fakePlanner{}, store.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	d.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestPreflightFailsFastOnTokenUnavailable(t *testing.T) {
	tokens := &fakeTokens{ensureErr: assertErr("no token")}
	d := New(testConfig(writeKeyFile(t)), tokens, fakeProxy{}, &fakeGateway{}, &fakeReconciler{}, &fakePlanner{}, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/run-cycle", nil)
	rec := httptest.NewRecorder()
	d.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "token_unavailable")
}

func TestPreflightFailsFastOnMissingPrivateKey(t *testing.T) {
	d := New(testConfig(filepath.Join(t.TempDir(), "missing.pem")), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, &fakeReconciler{}, &fakePlanner{}, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/run-cycle", nil)
	rec := httptest.NewRecorder()
	d.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "private_key_not_ready")
}

func TestRunCycleInvokesReconciler(t *testing.T) {
	rec := &fakeReconciler{}
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, rec, &fakePlanner{}, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/run-cycle", nil)
	w := httptest.NewRecorder()
	d.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), rec.calls)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestScoutTriggerDispatchesByReason(t *testing.T) {
	reconciler := &fakeReconciler{}
	gw := &fakeGateway{}
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, gw, reconciler, &fakePlanner{}, store.NewMemoryStore())

	body := strings.NewReader(`{"reason":"trigger_a","vin":"VIN1","state":"online"}`)
	req := httptest.NewRequest(http.MethodPost, "/scout-trigger", body)
	w := httptest.NewRecorder()
	d.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), reconciler.calls)
}

func TestRunCycleSerializesPerVIN(t *testing.T) {
	sr := &slowReconciler{started: make(chan struct{}), release: make(chan struct{})}
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, sr, &fakePlanner{}, store.NewMemoryStore())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := httptest.NewRequest(http.MethodPost, "/run-cycle", nil)
		w := httptest.NewRecorder()
		d.Engine().ServeHTTP(w, req)
	}()

	select {
	case <-sr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never started")
	}

	second := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/run-cycle", nil)
		w := httptest.NewRecorder()
		d.Engine().ServeHTTP(w, req)
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second cycle ran concurrently with the first")
	case <-time.After(100 * time.Millisecond):
	}

	close(sr.release)
	wg.Wait()
	<-second
}

func TestDailyCheckReturnsPlannerReport(t *testing.T) {
	pl := &fakePlanner{dailyReport: special.DailyReport{ActiveNeeds: 2, ProcessedNeeds: 1}}
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, &fakeReconciler{}, pl, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodPost, "/daily-special-charging-check", nil)
	w := httptest.NewRecorder()
	d.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_needs":2`)
}

func TestResetTeslaSchedulesRemovesOnlyHomeSchedules(t *testing.T) {
	homeID, awayID := 1, 2
	gw := &fakeGateway{schedules: []model.ChargeSchedule{
		{ID: &homeID, Latitude: 50.0, Longitude: 20.0},
		{ID: &awayID, Latitude: 10.0, Longitude: 10.0},
	}}
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, gw, &fakeReconciler{}, &fakePlanner{}, store.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/reset-tesla-schedules", nil)
	w := httptest.NewRecorder()
	d.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{1}, gw.removed)
}

func TestResetPurgesStore(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertLastKnownState(context.Background(), model.LastKnownState{VIN: "VIN1"}))
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, &fakeReconciler{}, &fakePlanner{}, st)

	req := httptest.NewRequest(http.MethodGet, "/reset", nil)
	w := httptest.NewRecorder()
	d.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	last, err := st.GetLastKnownState(context.Background(), "VIN1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestTriggerRunCycleRunsReconcilerOutsideHTTP(t *testing.T) {
	rec := &fakeReconciler{}
	d := New(testConfig(writeKeyFile(t)), &fakeTokens{}, fakeProxy{}, &fakeGateway{}, rec, &fakePlanner{}, store.NewMemoryStore())

	d.TriggerRunCycle(context.Background())

	assert.Equal(t, int32(1), rec.calls)
}

func TestTriggerRunCycleSkipsWhenTokenUnavailable(t *testing.T) {
	rec := &fakeReconciler{}
	tokens := &fakeTokens{ensureErr: assertErr("no token")}
	d := New(testConfig(writeKeyFile(t)), tokens, fakeProxy{}, &fakeGateway{}, rec, &fakePlanner{}, store.NewMemoryStore())

	d.TriggerRunCycle(context.Background())

	assert.Equal(t, int32(0), rec.calls)
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func assertErr(msg string) error  { return simpleErr(msg) }
