package store

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "PluginHost/internal/errors"
	"PluginHost/pkg/artifact"
	"PluginHost/pkg/logger"
	"PluginHost/pkg/plugin"
)

// SQLStore keeps registrations in plugin_registrations and their
// properties in plugin_properties.
type SQLStore struct {
	db      *sql.DB
	dialect string
	upsert  string
	log     *slog.Logger
}

// OpenSQL connects, applies pending migrations and returns the store.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: cfg.Dialect, log: logger.Named("store").With("dialect", cfg.Dialect)}
	switch cfg.Dialect {
	case DialectMySQL:
		s.upsert = `INSERT INTO plugin_registrations (manifest, version, auto_start, user_required, elevated, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE version = VALUES(version), auto_start = VALUES(auto_start),
user_required = VALUES(user_required), elevated = VALUES(elevated), updated_at = VALUES(updated_at)`
	default:
		s.upsert = `INSERT INTO plugin_registrations (manifest, version, auto_start, user_required, elevated, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(manifest) DO UPDATE SET version = excluded.version, auto_start = excluded.auto_start,
user_required = excluded.user_required, elevated = excluded.elevated, updated_at = excluded.updated_at`
	}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Get implements plugin.Store.
func (s *SQLStore) Get(ctx context.Context, id artifact.ManifestID) (plugin.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT manifest, version, auto_start, user_required, elevated, updated_at
FROM plugin_registrations WHERE manifest = ?`, id.String())
	rec, err := scanRecord(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return plugin.Record{}, missing(id)
	}
	if err != nil {
		return plugin.Record{}, xerrors.Wrapf(xerrors.CodeStorageFailure, err, "read registration %s", id)
	}
	props, err := s.properties(ctx, id.String())
	if err != nil {
		return plugin.Record{}, err
	}
	rec.Properties = props[id.String()]
	return rec, nil
}

// List implements plugin.Store. Records are ordered by manifest.
func (s *SQLStore) List(ctx context.Context) ([]plugin.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT manifest, version, auto_start, user_required, elevated, updated_at
FROM plugin_registrations ORDER BY manifest`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list registrations")
	}
	defer rows.Close()

	var out []plugin.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan registration")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate registrations")
	}
	rows.Close()

	props, err := s.properties(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Properties = props[out[i].ID.Manifest.String()]
	}
	sortRecords(out)
	return out, nil
}

// PutAll implements plugin.Store with one transaction.
func (s *SQLStore) PutAll(ctx context.Context, records ...plugin.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validate(records); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.writeError(err, "begin registration write")
	}
	for _, rec := range records {
		if err := s.put(ctx, tx, rec); err != nil {
			tx.Rollback()
			return s.writeError(err, "write registration "+rec.ID.String())
		}
	}
	if err := tx.Commit(); err != nil {
		return s.writeError(err, "commit registrations")
	}
	return nil
}

func (s *SQLStore) put(ctx context.Context, tx *sql.Tx, rec plugin.Record) error {
	manifest := rec.ID.Manifest.String()
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := tx.ExecContext(ctx, s.upsert, manifest, rec.ID.Version, rec.Enabled, rec.Required, rec.Elevated, updated.UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_properties WHERE manifest = ?`, manifest); err != nil {
		return err
	}
	for key, value := range rec.Properties {
		if _, err := tx.ExecContext(ctx, `INSERT INTO plugin_properties (manifest, prop_key, prop_value) VALUES (?, ?, ?)`, manifest, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements plugin.Store. Deleting a missing record is not an error.
func (s *SQLStore) Delete(ctx context.Context, id artifact.ManifestID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.writeError(err, "begin registration delete")
	}
	for _, stmt := range []string{
		`DELETE FROM plugin_properties WHERE manifest = ?`,
		`DELETE FROM plugin_registrations WHERE manifest = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id.String()); err != nil {
			tx.Rollback()
			return s.writeError(err, "delete registration "+id.String())
		}
	}
	if err := tx.Commit(); err != nil {
		return s.writeError(err, "commit registration delete")
	}
	return nil
}

// Close implements plugin.Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// properties loads the property maps of one manifest, or of all when empty.
func (s *SQLStore) properties(ctx context.Context, manifest string) (map[string]map[string]string, error) {
	query := `SELECT manifest, prop_key, prop_value FROM plugin_properties`
	var args []any
	if manifest != "" {
		query += ` WHERE manifest = ?`
		args = append(args, manifest)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read properties")
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var owner, key, value string
		if err := rows.Scan(&owner, &key, &value); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan property")
		}
		if out[owner] == nil {
			out[owner] = make(map[string]string)
		}
		out[owner][key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate properties")
	}
	return out, nil
}

// writeError maps MySQL deadlocks and lock wait timeouts (1213, 1205) to a
// recoverable conflict; everything else is a storage failure.
func (s *SQLStore) writeError(err error, msg string) error {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) && (mysqlErr.Number == 1213 || mysqlErr.Number == 1205) {
		return xerrors.Wrap(xerrors.CodeConflict, err, msg, xerrors.WithMetadata("mysql_errno", strconv.Itoa(int(mysqlErr.Number))))
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (plugin.Record, error) {
	var (
		manifest, version             string
		autoStart, required, elevated bool
		updated                       int64
	)
	if err := row.Scan(&manifest, &version, &autoStart, &required, &elevated, &updated); err != nil {
		return plugin.Record{}, err
	}
	mid, err := artifact.ParseManifestID(manifest)
	if err != nil {
		return plugin.Record{}, err
	}
	return plugin.Record{
		ID:        mid.WithVersion(version),
		Enabled:   autoStart,
		Required:  required,
		Elevated:  elevated,
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}
