package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a launch does not exist.
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed launch history
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Launch Operations
// ============================================================================

const launchColumns = `
	id, run_id, tag, asset, mirror_tag, url, size, sha256, workers,
	skipped, status, error_message, start_time, end_time
`

// CreateLaunch inserts a new Launch and sets its ID. An empty RunID is
// filled with a fresh UUID.
func (s *Store) CreateLaunch(l *Launch) error {
	if l.RunID == "" {
		l.RunID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = StatusRunning
	}

	const query = `
		INSERT INTO launches (
			run_id, tag, asset, mirror_tag, url, size, sha256, workers,
			skipped, status, error_message, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		l.RunID, l.Tag, l.Asset, l.MirrorTag, l.URL, l.Size, l.SHA256, l.Workers,
		l.Skipped, l.Status, l.ErrorMessage, l.StartTime, l.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert launch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	l.ID = id
	return nil
}

// UpdateLaunch updates an existing Launch by ID
func (s *Store) UpdateLaunch(l *Launch) error {
	const query = `
		UPDATE launches SET
			tag = ?, asset = ?, mirror_tag = ?, url = ?, size = ?, sha256 = ?,
			workers = ?, skipped = ?, status = ?, error_message = ?,
			start_time = ?, end_time = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		l.Tag, l.Asset, l.MirrorTag, l.URL, l.Size, l.SHA256,
		l.Workers, l.Skipped, l.Status, l.ErrorMessage,
		l.StartTime, l.EndTime, l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update launch: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("launch %d: %w", l.ID, ErrNotFound)
	}

	return nil
}

// GetLaunch retrieves a Launch by ID
func (s *Store) GetLaunch(id int64) (*Launch, error) {
	row := s.db.QueryRow("SELECT "+launchColumns+" FROM launches WHERE id = ?", id)
	l, err := scanLaunch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("launch %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query launch: %w", err)
	}
	return l, nil
}

// ListLaunches returns the most recent launches first. A limit of zero or
// less returns all of them.
func (s *Store) ListLaunches(limit int) ([]Launch, error) {
	query := "SELECT " + launchColumns + " FROM launches ORDER BY id DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query launches: %w", err)
	}
	defer rows.Close()

	var launches []Launch
	for rows.Next() {
		l, err := scanLaunch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan launch: %w", err)
		}
		launches = append(launches, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating launches: %w", err)
	}

	return launches, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLaunch(row rowScanner) (*Launch, error) {
	l := &Launch{}
	var (
		asset, mirrorTag, url, sha, errMsg sql.NullString
		endTime                            sql.NullTime
	)
	err := row.Scan(
		&l.ID, &l.RunID, &l.Tag, &asset, &mirrorTag, &url, &l.Size, &sha,
		&l.Workers, &l.Skipped, &l.Status, &errMsg, &l.StartTime, &endTime,
	)
	if err != nil {
		return nil, err
	}
	l.Asset = asset.String
	l.MirrorTag = mirrorTag.String
	l.URL = url.String
	l.SHA256 = sha.String
	l.ErrorMessage = errMsg.String
	l.EndTime = endTime.Time
	return l, nil
}

// ============================================================================
// Probe Result Operations
// ============================================================================

// RecordProbeResults stores the probes taken for a launch in one transaction
// and sets their IDs.
func (s *Store) RecordProbeResults(launchID int64, probes []ProbeRecord) error {
	if len(probes) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO probe_results (
			launch_id, tag, url, ok, elapsed_ms, bytes_per_second, error
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare probe insert: %w", err)
	}
	defer stmt.Close()

	for i := range probes {
		p := &probes[i]
		p.LaunchID = launchID
		result, err := stmt.Exec(launchID, p.Tag, p.URL, p.OK, p.ElapsedMS, p.BytesPerSecond, p.Error)
		if err != nil {
			return fmt.Errorf("failed to insert probe result %s: %w", p.Tag, err)
		}
		if p.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit probe results: %w", err)
	}
	return nil
}

// ListProbeResults returns the probes of a launch in the order they ran.
func (s *Store) ListProbeResults(launchID int64) ([]ProbeRecord, error) {
	const query = `
		SELECT id, launch_id, tag, url, ok, elapsed_ms, bytes_per_second, error
		FROM probe_results WHERE launch_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, launchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe results: %w", err)
	}
	defer rows.Close()

	var probes []ProbeRecord
	for rows.Next() {
		var (
			p         ProbeRecord
			url, perr sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.LaunchID, &p.Tag, &url, &p.OK, &p.ElapsedMS, &p.BytesPerSecond, &perr); err != nil {
			return nil, fmt.Errorf("failed to scan probe result: %w", err)
		}
		p.URL = url.String
		p.Error = perr.String
		probes = append(probes, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating probe results: %w", err)
	}

	return probes, nil
}

// MirrorStats aggregates probe history and completed downloads per mirror,
// sorted by tag.
func (s *Store) MirrorStats() ([]MirrorStat, error) {
	const probeQuery = `
		SELECT tag, COUNT(*),
		       COALESCE(SUM(CASE WHEN ok = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(CASE WHEN ok = 1 THEN bytes_per_second END), 0)
		FROM probe_results GROUP BY tag
	`

	stats := make(map[string]*MirrorStat)

	rows, err := s.db.Query(probeQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query probe stats: %w", err)
	}
	for rows.Next() {
		st := &MirrorStat{}
		if err := rows.Scan(&st.Tag, &st.Probes, &st.Successes, &st.AvgBytesPerSecond); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan probe stats: %w", err)
		}
		stats[st.Tag] = st
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating probe stats: %w", err)
	}
	rows.Close()

	const selectedQuery = `
		SELECT mirror_tag, COUNT(*) FROM launches
		WHERE status = ? AND skipped = 0 AND mirror_tag IS NOT NULL AND mirror_tag != ''
		GROUP BY mirror_tag
	`
	rows, err = s.db.Query(selectedQuery, StatusSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror selections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			tag   string
			count int
		)
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, fmt.Errorf("failed to scan mirror selections: %w", err)
		}
		st, ok := stats[tag]
		if !ok {
			st = &MirrorStat{Tag: tag}
			stats[tag] = st
		}
		st.Selected = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mirror selections: %w", err)
	}

	out := make([]MirrorStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}
