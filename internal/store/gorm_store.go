package store

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mac923/offpeak-ev-controller/internal/errs"
	"github.com/mac923/offpeak-ev-controller/internal/model"
)

// documentRow is the schemaless row shape backing every collection:
// a primary key plus an opaque JSON payload, mirroring the JSONB-column
// approach in Lens/modules/core/pkg/database's model package but kept
// to a single generic table per collection since these documents have
// no relational structure worth normalizing.
type documentRow struct {
	Key     string `gorm:"primaryKey"`
	Payload string `gorm:"type:jsonb"`
}

func (documentRow) TableName() string { return "" } // overridden per collection via Table()

// GormStore is the production Store backend: one Postgres table per
// collection (last_known_state, monitoring_cases, special_sessions,
// plan_hashes), each a (key, jsonb payload) pair.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres-backed Store and migrates its tables.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	for _, table := range []string{"last_known_state", "monitoring_cases", "special_sessions", "plan_hashes"} {
		if err := db.Table(table).AutoMigrate(&documentRow{}); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", table, err)
		}
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) upsert(table, key string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", table, key, err)
	}
	row := documentRow{Key: key, Payload: string(payload)}
	return g.db.Table(table).
		Where("key = ?", key).
		Assign(documentRow{Payload: row.Payload}).
		FirstOrCreate(&row).Error
}

func (g *GormStore) get(table, key string, out interface{}) (bool, error) {
	var row documentRow
	err := g.db.Table(table).Where("key = ?", key).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	if err := json.Unmarshal([]byte(row.Payload), out); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", table, key, err)
	}
	return true, nil
}

func (g *GormStore) GetLastKnownState(_ context.Context, vin string) (*model.LastKnownState, error) {
	var s model.LastKnownState
	ok, err := g.get("last_known_state", vin, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

func (g *GormStore) UpsertLastKnownState(_ context.Context, s model.LastKnownState) error {
	return g.upsert("last_known_state", s.VIN, s)
}

func (g *GormStore) GetMonitoringCase(_ context.Context, vin string) (*model.MonitoringCase, error) {
	var c model.MonitoringCase
	ok, err := g.get("monitoring_cases", vin, &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (g *GormStore) UpsertMonitoringCase(_ context.Context, c model.MonitoringCase) error {
	return g.upsert("monitoring_cases", c.VIN, c)
}

func (g *GormStore) DeleteMonitoringCase(_ context.Context, vin string) error {
	return g.db.Table("monitoring_cases").Where("key = ?", vin).Delete(&documentRow{}).Error
}

func (g *GormStore) GetSession(_ context.Context, sessionID string) (*model.SpecialChargingSession, error) {
	var s model.SpecialChargingSession
	ok, err := g.get("special_sessions", sessionID, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

func (g *GormStore) UpsertSession(_ context.Context, s model.SpecialChargingSession) error {
	return g.upsert("special_sessions", s.SessionID, s)
}

func (g *GormStore) ListSessionsByVIN(ctx context.Context, vin string) ([]model.SpecialChargingSession, error) {
	all, err := g.listAllSessions()
	if err != nil {
		return nil, err
	}
	var out []model.SpecialChargingSession
	for _, s := range all {
		if s.VIN == vin {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *GormStore) ListActiveSessions(ctx context.Context) ([]model.SpecialChargingSession, error) {
	all, err := g.listAllSessions()
	if err != nil {
		return nil, err
	}
	var out []model.SpecialChargingSession
	for _, s := range all {
		if s.Status == model.SessionActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *GormStore) listAllSessions() ([]model.SpecialChargingSession, error) {
	var rows []documentRow
	if err := g.db.Table("special_sessions").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list special_sessions: %w", err)
	}
	out := make([]model.SpecialChargingSession, 0, len(rows))
	for _, r := range rows {
		var s model.SpecialChargingSession
		if err := json.Unmarshal([]byte(r.Payload), &s); err != nil {
			return nil, fmt.Errorf("unmarshal session %s: %w", r.Key, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *GormStore) GetPlanHash(_ context.Context, vin string) (string, error) {
	var h string
	ok, err := g.get("plan_hashes", vin, &h)
	if err != nil || !ok {
		return "", err
	}
	return h, nil
}

func (g *GormStore) SetPlanHash(_ context.Context, vin, hash string) error {
	return g.upsert("plan_hashes", vin, hash)
}

func (g *GormStore) Reset(_ context.Context) error {
	for _, table := range []string{"last_known_state", "monitoring_cases", "special_sessions", "plan_hashes"} {
		if err := g.db.Table(table).Where("1 = 1").Delete(&documentRow{}).Error; err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}
