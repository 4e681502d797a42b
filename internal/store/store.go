package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cvcounter/internal/log"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNoActiveSession is returned when an operation requires an open session
// for the location and none exists.
var ErrNoActiveSession = errors.New("no active session")

// Part is one appended sub-result of a session. Append-only.
type Part struct {
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Defects   int       `json:"defects"`
	Correct   int       `json:"correct"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one persistent counting session for a location.
type Session struct {
	ID           int64
	Active       bool
	Location     string
	TotalCount   int
	SourceCount  int
	DefectsCount int
	CorrectCount int
	Parts        []Part // most-recent-first
	CustomFields map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Page is one page of session results for a location.
type Page struct {
	Results    []*Session
	Total      int
	Page       int
	PerPage    int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

// Store persists counting sessions. One table, `<prefix>cvcounter`, holds
// every session; per location at most one row has active = 1.
type Store struct {
	db     *sql.DB
	table  string
	logger zerolog.Logger
}

// Open connects to the database named by uri and runs migrations. The uri
// may carry a driver scheme ("sqlite://counts.db"); a bare path opens
// SQLite. Table names are prefixed with tablePrefix.
func Open(uri, tablePrefix string) (*Store, error) {
	driver := "sqlite"
	dsn := uri
	if i := strings.Index(uri, "://"); i > 0 {
		driver = uri[:i]
		if driver == "sqlite" || driver == "file" {
			driver = "sqlite"
			dsn = uri[i+3:]
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{
		db:     db,
		table:  tablePrefix + "cvcounter",
		logger: log.WithComponent("store"),
	}

	if driver == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info().Str("driver", driver).Str("table", s.table).Msg("session store ready")
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			active INTEGER NOT NULL DEFAULT 1,
			location TEXT NOT NULL,
			total_count INTEGER NOT NULL DEFAULT 0,
			source_count INTEGER NOT NULL DEFAULT 0,
			defects_count INTEGER NOT NULL DEFAULT 0,
			correct_count INTEGER NOT NULL DEFAULT 0,
			parts TEXT,
			custom_fields TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_location_active ON %s(location, active)`, s.table, s.table),
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveResult updates the active session for location, creating one when
// none exists. customFields is merged into the stored mapping: submitted
// keys overwrite, other stored keys survive.
func (s *Store) SaveResult(location string, totalCount, sourceCount, defectsCount, correctCount int, customFields map[string]string, active bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	activeInt := 0
	if active {
		activeInt = 1
	}

	var id int64
	var storedFields sql.NullString
	row := tx.QueryRow(
		fmt.Sprintf(`SELECT id, custom_fields FROM %s WHERE location = ? AND active = 1`, s.table), location)
	err = row.Scan(&id, &storedFields)

	switch {
	case err == sql.ErrNoRows:
		fieldsJSON, merr := json.Marshal(orEmpty(customFields))
		if merr != nil {
			return fmt.Errorf("marshal custom fields: %w", merr)
		}
		_, err = tx.Exec(fmt.Sprintf(`INSERT INTO %s
			(active, location, total_count, source_count, defects_count, correct_count, parts, custom_fields, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table),
			activeInt, location, totalCount, sourceCount, defectsCount, correctCount, "[]", string(fieldsJSON), now, now)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	case err != nil:
		return fmt.Errorf("select active session: %w", err)
	default:
		merged := mergeFields(storedFields.String, customFields)
		fieldsJSON, merr := json.Marshal(merged)
		if merr != nil {
			return fmt.Errorf("marshal custom fields: %w", merr)
		}
		_, err = tx.Exec(fmt.Sprintf(`UPDATE %s SET
			active = ?, total_count = ?, source_count = ?, defects_count = ?, correct_count = ?,
			custom_fields = ?, updated_at = ?
			WHERE id = ?`, s.table),
			activeInt, totalCount, sourceCount, defectsCount, correctCount, string(fieldsJSON), now, id)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}

	return tx.Commit()
}

// SavePartResult appends a sub-result to the active session for location.
// Fails with ErrNoActiveSession when no session is open.
func (s *Store) SavePartResult(location string, current, total, defects, correct int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var partsJSON sql.NullString
	row := tx.QueryRow(
		fmt.Sprintf(`SELECT id, parts FROM %s WHERE location = ? AND active = 1`, s.table), location)
	if err := row.Scan(&id, &partsJSON); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w for location %q", ErrNoActiveSession, location)
		}
		return fmt.Errorf("select active session: %w", err)
	}

	var parts []Part
	if partsJSON.Valid && partsJSON.String != "" {
		if err := json.Unmarshal([]byte(partsJSON.String), &parts); err != nil {
			return fmt.Errorf("unmarshal parts: %w", err)
		}
	}

	now := time.Now().UTC()
	// Newest first
	parts = append([]Part{{Current: current, Total: total, Defects: defects, Correct: correct, CreatedAt: now}}, parts...)

	raw, err := json.Marshal(parts)
	if err != nil {
		return fmt.Errorf("marshal parts: %w", err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf(`UPDATE %s SET parts = ?, updated_at = ? WHERE id = ?`, s.table),
		string(raw), now, id); err != nil {
		return fmt.Errorf("update parts: %w", err)
	}

	return tx.Commit()
}

// CloseCurrentCount deactivates the active session for location. Returns
// false when there was nothing to close.
func (s *Store) CloseCurrentCount(location string) (bool, error) {
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE %s SET active = 0, updated_at = ? WHERE location = ? AND active = 1`, s.table),
		time.Now().UTC(), location)
	if err != nil {
		return false, fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetCurrentCount returns the active session for location, or nil.
func (s *Store) GetCurrentCount(location string) (*Session, error) {
	return s.querySession(
		fmt.Sprintf(`SELECT %s FROM %s WHERE location = ? AND active = 1`, sessionColumns, s.table), location)
}

// GetCount returns the session with the given id, or nil.
func (s *Store) GetCount(id int64) (*Session, error) {
	return s.querySession(
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, sessionColumns, s.table), id)
}

// GetPaginated returns one page of sessions for location, newest first.
func (s *Store) GetPaginated(location string, page, perPage int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}

	var total int
	if err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE location = ?`, s.table), location).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM %s WHERE location = ? ORDER BY id DESC LIMIT ? OFFSET ?`, sessionColumns, s.table),
		location, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var results []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	totalPages := (total + perPage - 1) / perPage
	return &Page{
		Results:    results,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    page*perPage < total,
		HasPrev:    page > 1,
	}, nil
}

const sessionColumns = `id, active, location, total_count, source_count, defects_count, correct_count, parts, custom_fields, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) querySession(query string, args ...any) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var activeInt int
	var partsJSON, fieldsJSON sql.NullString

	err := row.Scan(&sess.ID, &activeInt, &sess.Location, &sess.TotalCount, &sess.SourceCount,
		&sess.DefectsCount, &sess.CorrectCount, &partsJSON, &fieldsJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Active = activeInt == 1
	if partsJSON.Valid && partsJSON.String != "" {
		if err := json.Unmarshal([]byte(partsJSON.String), &sess.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
	}
	sess.CustomFields = make(map[string]string)
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &sess.CustomFields); err != nil {
			return nil, fmt.Errorf("unmarshal custom fields: %w", err)
		}
	}
	return &sess, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func mergeFields(storedJSON string, updates map[string]string) map[string]string {
	merged := make(map[string]string)
	if storedJSON != "" {
		// A corrupt stored value starts the merge from scratch.
		_ = json.Unmarshal([]byte(storedJSON), &merged)
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
