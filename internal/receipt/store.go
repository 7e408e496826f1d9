// Package receipt persists billing rows in a sqlite table indexed for
// de-duplication by run, response, and batch ids. The driver is the pure-Go
// modernc build, handed to GORM through an existing database/sql handle.
package receipt

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// Registers itself as "sqlite" in database/sql. No CGO required.
	_ "modernc.org/sqlite"
)

// FlowFallback marks receipts synthesized for runs with no responses so
// every run stays accounted for.
const FlowFallback = "FALLBACK"

// Receipt is one billing row. LogPaths and Usage are stored as JSON text.
type Receipt struct {
	ID              int64   `gorm:"primaryKey;autoIncrement"`
	RunID           string  `gorm:"column:run_id;index;not null"`
	CreatedAt       float64 `gorm:"column:created_at;index;not null"`
	Project         string  `gorm:"index"`
	Model           string
	Mode            string
	FlowType        string  `gorm:"column:flow_type"`
	ResponseID      *string `gorm:"column:response_id;index"`
	BatchID         *string `gorm:"column:batch_id;index"`
	InputTokens     int64   `gorm:"column:input_tokens"`
	OutputTokens    int64   `gorm:"column:output_tokens"`
	ToolCost        float64 `gorm:"column:tool_cost"`
	StorageCost     float64 `gorm:"column:storage_cost"`
	TotalCost       float64 `gorm:"column:total_cost"`
	PricingVerified bool    `gorm:"column:pricing_verified"`
	Notes           string
	LogPathsJSON    string `gorm:"column:log_paths_json"`
	UsageJSON       string `gorm:"column:usage_json"`
}

func (Receipt) TableName() string { return "receipts" }

// SetLogPaths and SetUsage encode the loose maps into their JSON columns.
func (r *Receipt) SetLogPaths(v map[string]any) {
	r.LogPathsJSON = encodeJSON(v)
}

func (r *Receipt) SetUsage(v map[string]any) {
	r.UsageJSON = encodeJSON(v)
}

func encodeJSON(v map[string]any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Ref is the slice of a row the dedup index needs.
type Ref struct {
	ID        int64
	RunID     string
	TotalCost float64
}

// Index supports the auditor's never-double-count rule.
type Index struct {
	Response map[string]Ref
	Batch    map[string]Ref
	RunIDs   map[string]struct{}
}

// Store is the durable receipt table. Single writer per process; every
// mutation runs in the store's own transaction.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the sqlite file and migrates the table.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("receipt store: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("receipt store: init gorm: %w", err)
	}
	if err := db.AutoMigrate(&Receipt{}); err != nil {
		return nil, fmt.Errorf("receipt store: migrate: %w", err)
	}
	log.Debug("receipt store ready", zap.String("path", path))
	return &Store{db: db}, nil
}

func (s *Store) Insert(r *Receipt) (int64, error) {
	if err := s.db.Create(r).Error; err != nil {
		return 0, fmt.Errorf("receipt insert: %w", err)
	}
	return r.ID, nil
}

func (s *Store) UpdateRow(id int64, r *Receipt) error {
	r.ID = id
	if err := s.db.Save(r).Error; err != nil {
		return fmt.Errorf("receipt update %d: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteIDs(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.Delete(&Receipt{}, ids).Error; err != nil {
		return fmt.Errorf("receipt delete: %w", err)
	}
	return nil
}

// Query returns receipts most-recent first, capped at limit (default 1000).
func (s *Store) Query(limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []Receipt
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("receipt query: %w", err)
	}
	return rows, nil
}

// ExistingIndex loads the dedup maps in one pass.
func (s *Store) ExistingIndex() (Index, error) {
	var rows []Receipt
	if err := s.db.Select("id", "run_id", "response_id", "batch_id", "total_cost").Find(&rows).Error; err != nil {
		return Index{}, fmt.Errorf("receipt index: %w", err)
	}
	idx := Index{
		Response: map[string]Ref{},
		Batch:    map[string]Ref{},
		RunIDs:   map[string]struct{}{},
	}
	for _, r := range rows {
		idx.RunIDs[r.RunID] = struct{}{}
		ref := Ref{ID: r.ID, RunID: r.RunID, TotalCost: r.TotalCost}
		if r.ResponseID != nil && *r.ResponseID != "" {
			idx.Response[*r.ResponseID] = ref
		}
		if r.BatchID != nil && *r.BatchID != "" {
			idx.Batch[*r.BatchID] = ref
		}
	}
	return idx, nil
}
