package syncclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"scheme-hand/models"
	"scheme-hand/syncclient/migrations"
)

var (
	// ErrNotCached: das Programm liegt nicht im lokalen Cache.
	ErrNotCached = errors.New("scheme not in local cache")
	// ErrFullTextDenied: die AccessPolicy verweigert den Volltext.
	ErrFullTextDenied = errors.New("full text not permitted")
)

// SyncMergeError bricht den aktuellen Batch ab. Cursor ist der unveränderte Stand vor dem Batch.
type SyncMergeError struct {
	Cursor int64
	Err    error
}

func (e *SyncMergeError) Error() string {
	return fmt.Sprintf("merge batch after cursor %d: %v", e.Cursor, e.Err)
}

func (e *SyncMergeError) Unwrap() error { return e.Err }

const (
	metaCursor     = "cursor"
	metaLastSyncAt = "last_sync_at"
	metaLastError  = "last_sync_error"
)

// CachedScheme ist die lokale Projektion eines Programms samt Favoriten-Markierung.
type CachedScheme struct {
	models.Scheme
	Orphaned bool       `json:"orphaned,omitempty"`
	Favorite bool       `json:"favorite"`
	SavedAt  *time.Time `json:"saved_at,omitempty"`
}

// Filter für Query. Leere Felder filtern nicht.
type Filter struct {
	Age    *int
	Gender models.Gender
}

// Status beschreibt den Stand des lokalen Caches.
type Status struct {
	Cursor     int64      `json:"cursor"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Schemes    int        `json:"schemes"`
	Favorites  int        `json:"favorites"`
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Cache ist der gerätelokale sqlite-Cache.
type Cache struct {
	DB     *sql.DB
	Logger *zap.Logger
}

// gooseLogger leitet goose-Ausgaben an zap weiter.
type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.s.Debugf(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.s.Fatalf(strings.TrimSpace(format), v...)
}

// OpenCache öffnet (oder erstellt) den Cache unter path und spielt die Migrationen ein.
func OpenCache(ctx context.Context, path string, logger *zap.Logger) (*Cache, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := runMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return &Cache{DB: db, Logger: logger}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(gooseLogger{s: logger.Sugar()})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Close schließt die Datenbank.
func (c *Cache) Close() error {
	return c.DB.Close()
}

func (c *Cache) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// ApplyBatch merged einen Delta-Batch und setzt danach den Cursor, alles in einer Transaktion.
// Bei einem Fehler bleibt der Cache unverändert und es wird ein *SyncMergeError geliefert.
func (c *Cache) ApplyBatch(ctx context.Context, schemes []models.Scheme, cursor int64) error {
	var prev int64
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if prev, err = readCursor(ctx, tx); err != nil {
			return err
		}
		for i := range schemes {
			if err := mergeScheme(ctx, tx, &schemes[i]); err != nil {
				return fmt.Errorf("scheme %q: %w", schemes[i].ID, err)
			}
		}
		if cursor > prev {
			return setMeta(ctx, tx, metaCursor, strconv.FormatInt(cursor, 10))
		}
		return nil
	})
	if err != nil {
		return &SyncMergeError{Cursor: prev, Err: err}
	}
	return nil
}

// Merge übernimmt einen einzelnen Datensatz (Detailabruf), ohne den Cursor zu bewegen.
func (c *Cache) Merge(ctx context.Context, sc models.Scheme) error {
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		return mergeScheme(ctx, tx, &sc)
	})
	if err != nil {
		prev, _ := c.Cursor(ctx)
		return &SyncMergeError{Cursor: prev, Err: err}
	}
	return nil
}

// mergeScheme ersetzt die kanonischen Felder, wenn die eingehende Revision nicht älter ist.
// Favoriten liegen in einer eigenen Tabelle und bleiben unberührt.
func mergeScheme(ctx context.Context, tx dbtx, sc *models.Scheme) error {
	var cachedRev int64
	err := tx.QueryRowContext(ctx, `SELECT revision FROM schemes WHERE id = ?`, sc.ID).Scan(&cachedRev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case sc.Revision < cachedRev:
		return nil
	}

	if !sc.Removed() {
		return upsertScheme(ctx, tx, sc, false)
	}

	var favorited int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites WHERE scheme_id = ?`, sc.ID).Scan(&favorited); err != nil {
		return err
	}
	if favorited > 0 {
		return upsertScheme(ctx, tx, sc, true)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM schemes WHERE id = ?`, sc.ID)
	return err
}

func upsertScheme(ctx context.Context, tx dbtx, sc *models.Scheme, orphaned bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO schemes (id, source_url, title, summary, full_text, age_min, age_max, gender,
			government_level, fingerprint, revision, last_updated, orphaned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url = excluded.source_url,
			title = excluded.title,
			summary = excluded.summary,
			full_text = excluded.full_text,
			age_min = excluded.age_min,
			age_max = excluded.age_max,
			gender = excluded.gender,
			government_level = excluded.government_level,
			fingerprint = excluded.fingerprint,
			revision = excluded.revision,
			last_updated = excluded.last_updated,
			orphaned = excluded.orphaned
	`, sc.ID, sc.SourceURL, sc.Title, sc.Summary, sc.FullText, nullableInt(sc.AgeMin), nullableInt(sc.AgeMax),
		string(sc.Gender), sc.GovernmentLevel, sc.Fingerprint, sc.Revision, sc.LastUpdated.UnixMilli(), boolInt(orphaned))
	return err
}

const schemeColumns = `s.id, s.source_url, s.title, s.summary, s.full_text, s.age_min, s.age_max, s.gender,
	s.government_level, s.fingerprint, s.revision, s.last_updated, s.orphaned, f.saved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheme(row rowScanner) (*CachedScheme, error) {
	var (
		cs             CachedScheme
		ageMin, ageMax sql.NullInt64
		gender         string
		lastUpdated    int64
		orphaned       int
		savedAt        sql.NullInt64
	)
	err := row.Scan(&cs.ID, &cs.SourceURL, &cs.Title, &cs.Summary, &cs.FullText, &ageMin, &ageMax, &gender,
		&cs.GovernmentLevel, &cs.Fingerprint, &cs.Revision, &lastUpdated, &orphaned, &savedAt)
	if err != nil {
		return nil, err
	}
	if ageMin.Valid {
		cs.AgeMin = models.IntPtr(int(ageMin.Int64))
	}
	if ageMax.Valid {
		cs.AgeMax = models.IntPtr(int(ageMax.Int64))
	}
	cs.Gender = models.Gender(gender)
	cs.LastUpdated = time.UnixMilli(lastUpdated).UTC()
	cs.Orphaned = orphaned != 0
	if savedAt.Valid {
		t := time.UnixMilli(savedAt.Int64).UTC()
		cs.Favorite = true
		cs.SavedAt = &t
	}
	return &cs, nil
}

func (c *Cache) querySchemes(ctx context.Context, query string, args ...any) ([]CachedScheme, error) {
	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CachedScheme
	for rows.Next() {
		cs, err := scanScheme(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheme: %w", err)
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

// Query liefert aktive Programme, die zu Alter und Geschlecht passen. Programme ohne Altersgrenze
// passen zu jedem Alter, Programme für "all" zu jedem Geschlecht.
func (c *Cache) Query(ctx context.Context, f Filter) ([]CachedScheme, error) {
	where := []string{"s.orphaned = 0"}
	var args []any
	if f.Age != nil {
		where = append(where, "(s.age_min IS NULL OR s.age_min <= ?)", "(s.age_max IS NULL OR s.age_max >= ?)")
		args = append(args, *f.Age, *f.Age)
	}
	if f.Gender != "" {
		where = append(where, "(s.gender = 'all' OR s.gender = ?)")
		args = append(args, string(f.Gender))
	}
	q := `SELECT ` + schemeColumns + ` FROM schemes s LEFT JOIN favorites f ON f.scheme_id = s.id
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY s.title, s.id`
	return c.querySchemes(ctx, q, args...)
}

// ListFavorites liefert alle Favoriten, zuletzt gespeicherte zuerst. Verwaiste Programme sind enthalten.
func (c *Cache) ListFavorites(ctx context.Context) ([]CachedScheme, error) {
	return c.querySchemes(ctx, `SELECT `+schemeColumns+` FROM schemes s
		INNER JOIN favorites f ON f.scheme_id = s.id
		ORDER BY f.saved_at DESC, s.id`)
}

// Get liefert ein Programm aus dem Cache.
func (c *Cache) Get(ctx context.Context, id string) (*CachedScheme, error) {
	row := c.DB.QueryRowContext(ctx, `SELECT `+schemeColumns+` FROM schemes s
		LEFT JOIN favorites f ON f.scheme_id = s.id WHERE s.id = ?`, id)
	cs, err := scanScheme(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotCached
	}
	return cs, err
}

// MarkRemoved behandelt ein Programm, das der Server nicht mehr kennt, wie einen Tombstone:
// Favoriten bleiben verwaist erhalten, alle anderen Einträge werden gelöscht.
func (c *Cache) MarkRemoved(ctx context.Context, id string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE schemes SET orphaned = 1
			WHERE id = ? AND id IN (SELECT scheme_id FROM favorites)`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM schemes
			WHERE id = ? AND id NOT IN (SELECT scheme_id FROM favorites)`, id)
		return err
	})
}

// AddFavorite merkt ein gecachtes Programm vor. Erneutes Hinzufügen behält den ersten Zeitpunkt.
func (c *Cache) AddFavorite(ctx context.Context, id string, at time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schemes WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return ErrNotCached
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO favorites (scheme_id, saved_at) VALUES (?, ?)
			ON CONFLICT(scheme_id) DO NOTHING`, id, at.UnixMilli())
		return err
	})
}

// RemoveFavorite entfernt einen Favoriten. Verwaiste Programme verschwinden damit auch aus dem Cache.
func (c *Cache) RemoveFavorite(ctx context.Context, id string) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM favorites WHERE scheme_id = ?`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM schemes WHERE id = ? AND orphaned = 1`, id)
		return err
	})
}

// Cursor liefert den zuletzt vollständig übernommenen Delta-Cursor.
func (c *Cache) Cursor(ctx context.Context) (int64, error) {
	return readCursor(ctx, c.DB)
}

// MarkSynced vermerkt einen erfolgreichen Durchgang.
func (c *Cache) MarkSynced(ctx context.Context, at time.Time) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if err := setMeta(ctx, tx, metaLastSyncAt, at.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, metaLastError)
		return err
	})
}

// MarkFailed vermerkt den Fehler des letzten Durchgangs. Die Daten bleiben unverändert.
func (c *Cache) MarkFailed(ctx context.Context, syncErr error) error {
	return setMeta(ctx, c.DB, metaLastError, syncErr.Error())
}

// Status liefert Cursor, letzten Sync und Zählerstände.
func (c *Cache) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.Cursor, err = c.Cursor(ctx); err != nil {
		return st, err
	}
	raw, ok, err := getMeta(ctx, c.DB, metaLastSyncAt)
	if err != nil {
		return st, err
	}
	if ok {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			st.LastSyncAt = &t
		}
	}
	if st.LastError, _, err = getMeta(ctx, c.DB, metaLastError); err != nil {
		return st, err
	}
	if err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM schemes WHERE orphaned = 0`).Scan(&st.Schemes); err != nil {
		return st, err
	}
	if err := c.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM favorites`).Scan(&st.Favorites); err != nil {
		return st, err
	}
	return st, nil
}

func readCursor(ctx context.Context, q dbtx) (int64, error) {
	raw, ok, err := getMeta(ctx, q, metaCursor)
	if err != nil || !ok {
		return 0, err
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor %q: %w", raw, err)
	}
	return cursor, nil
}

func getMeta(ctx context.Context, q dbtx, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get metadata[%s]: %w", key, err)
	}
	return value, true, nil
}

func setMeta(ctx context.Context, q dbtx, key, value string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set metadata[%s]: %w", key, err)
	}
	return nil
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
