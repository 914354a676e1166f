package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	platformerrors "github.com/jmgilman/go/errors"
	"go.uber.org/atomic"
)

// SQLiteProvider stores partitions in a single SQLite database.
// Writes are serialized with a mutex, reads go straight to the db.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	now        func() time.Time
}

var _ Provider = SQLiteProvider{}

var memoryDBCounter atomic.Int64

// NewSQLiteProvider creates a new provider with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteProvider(filename string) (SQLiteProvider, error) {
	inMemory := filename == ""
	if inMemory {
		filename = fmt.Sprintf("file:offline-cache-%d?mode=memory&cache=shared", memoryDBCounter.Inc())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteProvider{}, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not open cache db")
	}
	if inMemory {
		// a shared in-memory db is dropped with its last connection
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS entries_seq_idx ON entries (partition, seq)",
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteProvider{}, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not initialize cache db")
		}
	}
	return SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
		now:        time.Now,
	}, nil
}

func (s SQLiteProvider) Open(ctx context.Context, name string) (Partition, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.ensurePartition(ctx, name); err != nil {
		return nil, err
	}
	return sqlitePartition{name: name, s: s}, nil
}

// ensurePartition registers the partition name.
// The write mutex must be held.
func (s SQLiteProvider) ensurePartition(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO partitions (name, created_at) VALUES (?, ?)",
		name, s.now().UnixNano())
	if err != nil {
		return platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not create partition"),
			"partition", name)
	}
	return nil
}

func (s SQLiteProvider) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	wrap := func(err error) error {
		return platformerrors.WithContext(
			platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not delete partition"),
			"partition", name)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap(err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		return false, wrap(err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		return false, wrap(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrap(err)
	}
	return rows > 0, nil
}

func (s SQLiteProvider) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list partitions")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, platformerrors.Wrap(err, platformerrors.CodeDatabase, "could not list partitions")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteProvider) Close() error {
	return s.db.Close()
}

type sqlitePartition struct {
	name string
	s    SQLiteProvider
}

func (p sqlitePartition) Name() string {
	return p.name
}

func (p sqlitePartition) wrap(err error, message, key string) error {
	wrapped := platformerrors.WithContext(
		platformerrors.Wrap(err, platformerrors.CodeDatabase, message),
		"partition", p.name)
	if key != "" {
		wrapped = platformerrors.WithContext(wrapped, "key", key)
	}
	return wrapped
}

func (p sqlitePartition) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := p.s.db.QueryRowContext(ctx,
		"SELECT seq, stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		p.name, key,
	).Scan(&entry.Seq, &storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, p.wrap(err, "could not read entry", key)
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (p sqlitePartition) Put(ctx context.Context, key string, bytes []byte) error {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	if err := p.s.ensurePartition(ctx, p.name); err != nil {
		return err
	}
	_, err := p.s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(partition, key, seq, stored_at, bytes) VALUES
		(?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries WHERE partition = ?), ?, ?)`,
		p.name, key, p.name, p.s.now().UnixNano(), bytes)
	if err != nil {
		return p.wrap(err, "could not write entry", key)
	}
	return nil
}

func (p sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	p.s.writeMutex.Lock()
	defer p.s.writeMutex.Unlock()
	result, err := p.s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		return false, p.wrap(err, "could not delete entry", key)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, p.wrap(err, "could not delete entry", key)
	}
	return rows > 0, nil
}

func (p sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq ASC", p.name)
	if err != nil {
		return nil, p.wrap(err, "could not list keys", "")
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, p.wrap(err, "could not list keys", "")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p sqlitePartition) Len(ctx context.Context) (int, error) {
	var count int
	err := p.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE partition = ?", p.name).Scan(&count)
	if err != nil {
		return 0, p.wrap(err, "could not count entries", "")
	}
	return count, nil
}
