package directory

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	_ "github.com/mattn/go-sqlite3"

	"github.com/moamoak/kerrucent/config"
	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/logging"
)

var log = logging.Component("directory")

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_duckdb.sql
var duckdbSchema string

// =============================================================================
// Configuration
// =============================================================================

// Config holds directory database options.
type Config struct {
	// Driver is "sqlite3" or "duckdb".
	Driver string

	// Path is the database file.
	Path string

	// BusyTimeoutMs is the SQLite lock wait.
	BusyTimeoutMs int

	// QueryTimeout bounds every query.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config for an SQLite file at path.
func DefaultConfig(path string) Config {
	return Config{
		Driver:        config.DefaultDirectoryDriver,
		Path:          path,
		BusyTimeoutMs: config.DefaultSQLiteBusyTimeoutMs,
		QueryTimeout:  30 * time.Second,
	}
}

// =============================================================================
// SQL directory
// =============================================================================

// SQL is a ProbeDirectory backed by database/sql.
//
// SQL is safe for concurrent use.
type SQL struct {
	db     *sql.DB
	cfg    Config
	mu     sync.RWMutex
	closed bool
}

var _ ProbeDirectory = (*SQL)(nil)

// Open connects to the directory database.
func Open(cfg Config) (*SQL, error) {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	var dsn string
	switch cfg.Driver {
	case "sqlite3", "":
		cfg.Driver = "sqlite3"
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", cfg.Path, cfg.BusyTimeoutMs)
	case "duckdb":
		dsn = cfg.Path
	default:
		return nil, errors.NewInvalidValue("directory driver", cfg.Driver, "must be sqlite3 or duckdb")
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time in both engines.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("directory opened", "driver", cfg.Driver, "path", cfg.Path)
	return &SQL{db: db, cfg: cfg}, nil
}

// Close closes the database.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Health checks database connectivity.
func (s *SQL) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables when missing.
func (s *SQL) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.cfg.Driver == "duckdb" {
		schema = duckdbSchema
	}

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// transaction runs fn in a transaction, rolling back when it fails.
func (s *SQL) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// ProbeDirectory
// =============================================================================

// ListProbesWithHardwareID returns every probe that has a hardware id.
func (s *SQL) ListProbesWithHardwareID(ctx context.Context) ([]ProbeRoute, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT hardware_id, sensor_id FROM probes
		WHERE hardware_id <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query probes: %w", err)
	}
	defer rows.Close()

	var routes []ProbeRoute
	for rows.Next() {
		var r ProbeRoute
		if err := rows.Scan(&r.HardwareID, &r.SensorID); err != nil {
			return nil, fmt.Errorf("scan probe: %w", err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// ListProbesWithSubscriptions returns one subscription per alert row.
func (s *SQL) ListProbesWithSubscriptions(ctx context.Context) ([]Subscription, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.sensor_id, p.name, a.address
		FROM alerts a JOIN probes p ON a.probe_id = p.id
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var (
			sub  Subscription
			addr string
		)
		if err := rows.Scan(&sub.SensorID, &sub.Name, &addr); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		sub.Addresses = []string{addr}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

const probeColumns = `id, sensor_id, name, hardware_id, owner, alpha, beta`

func scanProbe(row interface{ Scan(...any) error }) (Probe, error) {
	var p Probe
	err := row.Scan(&p.ID, &p.SensorID, &p.Name, &p.HardwareID, &p.Owner, &p.Alpha, &p.Beta)
	return p, err
}

// LookupProbe returns the probe with the given sensor id.
func (s *SQL) LookupProbe(ctx context.Context, sensorID string) (Probe, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	p, err := scanProbe(s.db.QueryRowContext(ctx, `SELECT `+probeColumns+` FROM probes WHERE sensor_id = ?`, sensorID))
	if err == sql.ErrNoRows {
		return Probe{}, errors.NewNotFound("probe", sensorID)
	}
	if err != nil {
		return Probe{}, fmt.Errorf("lookup probe: %w", err)
	}
	return p, nil
}

// LookupByHardwareID returns the first probe reporting with hwID.
func (s *SQL) LookupByHardwareID(ctx context.Context, hwID string) (Probe, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	p, err := scanProbe(s.db.QueryRowContext(ctx,
		`SELECT `+probeColumns+` FROM probes WHERE hardware_id = ? ORDER BY id LIMIT 1`, hwID))
	if err == sql.ErrNoRows {
		return Probe{}, errors.NewNotFound("hardware id", hwID)
	}
	if err != nil {
		return Probe{}, fmt.Errorf("lookup hardware id: %w", err)
	}
	return p, nil
}

// =============================================================================
// Administration
// =============================================================================

// ListProbes returns every probe ordered by id.
func (s *SQL) ListProbes(ctx context.Context) ([]Probe, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+probeColumns+` FROM probes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query probes: %w", err)
	}
	defer rows.Close()

	var out []Probe
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, fmt.Errorf("scan probe: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateProbe registers p and returns it with its id.
func (s *SQL) CreateProbe(ctx context.Context, p Probe) (Probe, error) {
	if p.SensorID == "" {
		return Probe{}, errors.NewInvalidValue("sensor_id", p.SensorID, "required")
	}
	if p.Name == "" {
		p.Name = p.SensorID
	}

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	err := s.transaction(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM probes WHERE sensor_id = ?`, p.SensorID).Scan(&n); err != nil {
			return fmt.Errorf("check probe: %w", err)
		}
		if n > 0 {
			return errors.NewAlreadyExists("probe", p.SensorID)
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO probes (sensor_id, name, hardware_id, owner, alpha, beta)
			VALUES (?, ?, ?, ?, ?, ?)
			RETURNING id
		`, p.SensorID, p.Name, p.HardwareID, p.Owner, p.Alpha, p.Beta).Scan(&p.ID)
	})
	if err != nil {
		return Probe{}, err
	}

	log.Info("probe created", "sensor_id", p.SensorID, "hardware_id", p.HardwareID)
	return p, nil
}

// DeleteProbe removes a probe together with its alerts.
func (s *SQL) DeleteProbe(ctx context.Context, sensorID string) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	return s.transaction(ctx, func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM probes WHERE sensor_id = ?`, sensorID).Scan(&id)
		if err == sql.ErrNoRows {
			return errors.NewNotFound("probe", sensorID)
		}
		if err != nil {
			return fmt.Errorf("lookup probe: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE probe_id = ?`, id); err != nil {
			return fmt.Errorf("delete alerts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM probes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete probe: %w", err)
		}
		return nil
	})
}

// AddAlert subscribes address to the alerts of sensorID.
func (s *SQL) AddAlert(ctx context.Context, sensorID, address string) (Alert, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Alert{}, errors.NewInvalidValue("address", address, "required")
	}

	ctx, cancel := s.timeout(ctx)
	defer cancel()

	a := Alert{SensorID: sensorID, Address: address}
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		var probeID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM probes WHERE sensor_id = ?`, sensorID).Scan(&probeID)
		if err == sql.ErrNoRows {
			return errors.NewNotFound("probe", sensorID)
		}
		if err != nil {
			return fmt.Errorf("lookup probe: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`INSERT INTO alerts (probe_id, address) VALUES (?, ?) RETURNING id`, probeID, address).Scan(&a.ID)
	})
	if err != nil {
		return Alert{}, err
	}
	return a, nil
}

// ListAlerts returns every alert ordered by id.
func (s *SQL) ListAlerts(ctx context.Context) ([]Alert, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, p.sensor_id, a.address
		FROM alerts a JOIN probes p ON a.probe_id = p.id
		ORDER BY a.id
	`)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.SensorID, &a.Address); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RemoveAlert deletes the alert with the given id.
func (s *SQL) RemoveAlert(ctx context.Context, id int64) error {
	ctx, cancel := s.timeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFound("alert", fmt.Sprint(id))
	}
	return nil
}
