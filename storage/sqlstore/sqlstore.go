package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/storage"
)

const tableJobRecord = "job_record"

// Dialect selects the SQL flavour of the store.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// SQL queries, written with ? placeholders and rebound per dialect.
const (
	columns = `id, job_accepted_timestamp, last_event_timestamp, last_record_update_timestamp, status, paused_bucket_key, process_id`

	insertQuery = `INSERT INTO %s (` + columns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

	mysqlInsertIgnoreSuffix    = ` ON DUPLICATE KEY UPDATE id = id`
	postgresInsertIgnoreSuffix = ` ON CONFLICT (id) DO NOTHING`

	updateIfNewerQuery = `
		UPDATE %s
		SET status = ?, last_event_timestamp = ?, last_record_update_timestamp = ?, paused_bucket_key = ?
		WHERE id = ? AND last_event_timestamp < ?`

	findByIDQuery = `SELECT ` + columns + ` FROM %s WHERE id = ?`

	findAllQuery = `SELECT ` + columns + ` FROM %s ORDER BY id LIMIT ? OFFSET ?`

	countAllQuery = `SELECT COUNT(*) FROM %s`
)

const (
	mysqlDuplicateEntry     = 1062
	postgresUniqueViolation = "23505"
	postgresDriverName      = "pgx"
	mysqlDriverName         = "mysql"
)

// Open opens a connection pool for the dialect. MySQL DSNs are forced to parse DATETIME
// columns as UTC time values.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return sql.Open(mysqlDriverName, cfg.FormatDSN())
	case DialectPostgres:
		return sql.Open(postgresDriverName, dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// SQLStore implements storage.Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	getter  *trmsql.CtxGetter
	logger  *zap.Logger
}

// NewSQLStore creates a store. Write statements join the transaction the avito transaction
// manager put into the context.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		getter:  trmsql.DefaultCtxGetter,
		logger:  logger,
	}
}

func (s *SQLStore) InsertIgnore(ctx context.Context, record storage.JobRecord) (bool, error) {
	query := fmt.Sprintf(insertQuery, tableJobRecord)
	if s.dialect == DialectPostgres {
		query += postgresInsertIgnoreSuffix
	} else {
		query += mysqlInsertIgnoreSuffix
	}

	res, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, s.rebind(query),
		record.ID,
		dbTime(record.JobAcceptedTimestamp),
		dbTime(record.LastEventTimestamp),
		dbTime(record.LastRecordUpdateTimestamp),
		record.Status,
		nullString(record.PausedBucketKey),
		record.ProcessID,
	)
	if err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert job record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) UpdateIfNewer(ctx context.Context, update storage.StatusUpdate) (int64, error) {
	query := fmt.Sprintf(updateIfNewerQuery, tableJobRecord)
	lastEvent := dbTime(update.LastEventTimestamp)

	res, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, s.rebind(query),
		update.Status,
		lastEvent,
		dbTime(update.LastRecordUpdateTimestamp),
		nullString(update.PausedBucketKey),
		update.ID,
		lastEvent,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update job record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read update result: %w", err)
	}
	return n, nil
}

func (s *SQLStore) FindByID(ctx context.Context, id string) (*storage.JobRecord, error) {
	query := fmt.Sprintf(findByIDQuery, tableJobRecord)
	row := s.getter.DefaultTrOrDB(ctx, s.db).QueryRowContext(ctx, s.rebind(query), id)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job record: %w", err)
	}
	return record, nil
}

func (s *SQLStore) FindAll(ctx context.Context, limit, offset int) ([]storage.JobRecord, error) {
	query := fmt.Sprintf(findAllQuery, tableJobRecord)
	rows, err := s.getter.DefaultTrOrDB(ctx, s.db).QueryContext(ctx, s.rebind(query), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query job records: %w", err)
	}
	defer rows.Close()

	var records []storage.JobRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading job record rows: %w", err)
	}
	return records, nil
}

func (s *SQLStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	query := fmt.Sprintf(countAllQuery, tableJobRecord)
	if err := s.getter.DefaultTrOrDB(ctx, s.db).QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count job records: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.JobRecord, error) {
	var (
		record storage.JobRecord
		bucket sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&record.JobAcceptedTimestamp,
		&record.LastEventTimestamp,
		&record.LastRecordUpdateTimestamp,
		&record.Status,
		&bucket,
		&record.ProcessID,
	); err != nil {
		return nil, err
	}
	record.PausedBucketKey = bucket.String
	record.JobAcceptedTimestamp = record.JobAcceptedTimestamp.UTC()
	record.LastEventTimestamp = record.LastEventTimestamp.UTC()
	record.LastRecordUpdateTimestamp = record.LastRecordUpdateTimestamp.UTC()
	return &record, nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation
}

func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// EnsureTables creates the job record table if it does not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	statements := mysqlSchema
	if s.dialect == DialectPostgres {
		statements = postgresSchema
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create job record table: %w", err)
		}
	}
	s.logger.Info("Job record table ensured", zap.String("dialect", string(s.dialect)))
	return nil
}

var mysqlSchema = []string{`
		CREATE TABLE IF NOT EXISTS job_record (
			id                           VARCHAR(64) NOT NULL PRIMARY KEY,
			job_accepted_timestamp       DATETIME(3) NOT NULL,
			last_event_timestamp         DATETIME(3) NOT NULL,
			last_record_update_timestamp DATETIME(3) NOT NULL,
			status                       VARCHAR(16) NOT NULL,
			paused_bucket_key            VARCHAR(16) NULL,
			process_id                   VARCHAR(64) NOT NULL,
			INDEX idx_status (status),
			INDEX idx_process (process_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`}

var postgresSchema = []string{`
		CREATE TABLE IF NOT EXISTS job_record (
			id                           VARCHAR(64) NOT NULL PRIMARY KEY,
			job_accepted_timestamp       TIMESTAMPTZ(3) NOT NULL,
			last_event_timestamp         TIMESTAMPTZ(3) NOT NULL,
			last_record_update_timestamp TIMESTAMPTZ(3) NOT NULL,
			status                       VARCHAR(16) NOT NULL,
			paused_bucket_key            VARCHAR(16) NULL,
			process_id                   VARCHAR(64) NOT NULL
		)
	`,
	`CREATE INDEX IF NOT EXISTS idx_job_record_status ON job_record (status)`,
	`CREATE INDEX IF NOT EXISTS idx_job_record_process ON job_record (process_id)`,
}
