// Package dbsource declares markers from a database table, polled with gorm.
package dbsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/OCAP2/mapsync/internal/observer"
	"github.com/OCAP2/mapsync/pkg/core"
)

const defaultPollInterval = 5 * time.Second

// MarkerRow is one declared marker. Rows are ordered by ID.
type MarkerRow struct {
	ID         uint   `gorm:"primarykey"`
	Key        string `gorm:"size:128;not null;uniqueIndex"`
	Variant    string `gorm:"size:32;not null;default:marker"`
	Lng        float64
	Lat        float64
	Icon       string `gorm:"size:64"`
	Color      string `gorm:"size:32"`
	Visible    bool   `gorm:"not null"`
	AssetID    string `gorm:"size:128"`
	Properties datatypes.JSON
	UpdatedAt  time.Time
}

// TableName sets the table name.
func (*MarkerRow) TableName() string {
	return "map_markers"
}

// Spec converts the row to a keyed declaration. Unparseable extra
// properties are dropped.
func (r *MarkerRow) Spec() (observer.Spec, error) {
	s := observer.Spec{
		Key:     r.Key,
		Variant: core.Variant(r.Variant),
		Lng:     r.Lng,
		Lat:     r.Lat,
		Icon:    r.Icon,
		Color:   r.Color,
		Visible: r.Visible,
		AssetID: r.AssetID,
	}
	if len(r.Properties) == 0 {
		return s, nil
	}
	var extra core.Properties
	if err := json.Unmarshal(r.Properties, &extra); err != nil {
		return s, fmt.Errorf("row %q: decoding properties: %w", r.Key, err)
	}
	if len(extra) > 0 {
		s.Extra = extra
	}
	return s, nil
}

// DBConfig selects and addresses the database.
type DBConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver   string
	Host     string
	Port     string
	Username string
	Password string
	Database string
	// Path is the SQLite file. Empty means a shared in-memory database.
	Path string
}

// Open connects to the configured database and migrates the marker table.
func Open(cfg DBConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
		db, err = gorm.Open(postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		}), gcfg)
	case "sqlite", "":
		path := cfg.Path
		if path == "" {
			path = "file::memory:?cache=shared"
		}
		db, err = gorm.Open(sqlite.Open(path), gcfg)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&MarkerRow{}); err != nil {
		return nil, fmt.Errorf("migrating map_markers: %w", err)
	}
	return db, nil
}

// Config configures a Source.
type Config struct {
	DB           *gorm.DB
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Source is an observer.ChangeSource that polls the map_markers table.
type Source struct {
	*observer.Declared

	db       *gorm.DB
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New loads the table once. Call Start to keep polling.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.DB == nil {
		return nil, errors.New("dbsource: db is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Source{
		Declared: observer.NewDeclared(),
		db:       cfg.DB,
		interval: cfg.PollInterval,
		logger:   cfg.Logger.With("source", "db"),
	}
	if err := s.Poll(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Poll reads the table and applies it. On error the previous declarations
// stay in place.
func (s *Source) Poll(ctx context.Context) error {
	var rows []MarkerRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return fmt.Errorf("querying map_markers: %w", err)
	}

	specs := make([]observer.Spec, 0, len(rows))
	for i := range rows {
		spec, err := rows[i].Spec()
		if err != nil {
			s.logger.Warn("ignoring marker properties", "error", err)
		}
		specs = append(specs, spec)
	}

	res := s.Sync(specs)
	if res.Added+res.Removed+res.Updated > 0 {
		s.logger.Debug("markers table applied",
			"added", res.Added, "removed", res.Removed, "updated", res.Updated)
	}
	return nil
}

// Start polls every interval until Stop.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.pollLoop(ctx)
}

// Stop ends polling and waits for an in-flight poll.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Source) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("polling markers table", "error", err)
			}
		}
	}
}
