package storage

import (
	"bufio"
	"bytes"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
)

import (
	"github.com/bdeggleston/epaxos/consensus"
)

import (
	_ "github.com/mattn/go-sqlite3"
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("storage")

//go:embed schema.sql
var schemaSQL string

// persists instance records to a sqlite database, so a
// replica can rebuild its instance log after a restart.
// Records are upserted on every change. The values written by
// executed instances are kept alongside them, so the state
// machine can be restored without applying anything twice
type SQLitePersister struct {
	db   *sql.DB
	path string

	lock   sync.Mutex
	closed bool
}

var _ consensus.ExecutionPersister = &SQLitePersister{}

// opens or creates the database at the given path
func Open(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Infof("Opened instance database %v", path)
	return &SQLitePersister{db: db, path: path}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func encodeRecord(record *consensus.InstanceRecord) ([]byte, error) {
	var b bytes.Buffer
	buf := bufio.NewWriter(&b)
	if err := record.Serialize(buf); err != nil {
		return nil, err
	}
	if err := buf.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeRecord(b []byte) (*consensus.InstanceRecord, error) {
	record := &consensus.InstanceRecord{}
	if err := record.Deserialize(bufio.NewReader(bytes.NewReader(b))); err != nil {
		return nil, err
	}
	return record, nil
}

const upsertInstance = `
	INSERT INTO instances (replica_id, number, status, record)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(replica_id, number) DO UPDATE SET
		status = excluded.status,
		record = excluded.record
`

const upsertValue = `
	INSERT INTO kv (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
`

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func writeRecord(db execer, record *consensus.InstanceRecord) error {
	b, err := encodeRecord(record)
	if err != nil {
		return err
	}
	_, err = db.Exec(upsertInstance,
		string(record.ID.ReplicaID),
		int64(record.ID.Number),
		int(record.Status),
		b,
	)
	return err
}

// writes the record, replacing any previous version of the instance
func (p *SQLitePersister) PersistInstance(record *consensus.InstanceRecord) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return fmt.Errorf("persist instance %v: database is closed", record.ID)
	}
	if err := writeRecord(p.db, record); err != nil {
		return fmt.Errorf("persist instance %v: %w", record.ID, err)
	}
	return nil
}

// writes an executed record and the values it left in the
// state machine in a single transaction
func (p *SQLitePersister) PersistExecution(record *consensus.InstanceRecord, values map[string][]byte) (err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return fmt.Errorf("persist execution %v: database is closed", record.ID)
	}
	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("persist execution %v: %w", record.ID, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = writeRecord(tx, record); err != nil {
		return fmt.Errorf("persist execution %v: %w", record.ID, err)
	}
	for key, value := range values {
		if _, err = tx.Exec(upsertValue, key, value); err != nil {
			return fmt.Errorf("persist execution %v: key %v: %w", record.ID, key, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("persist execution %v: %w", record.ID, err)
	}
	return nil
}

// returns the serialized values written by executed instances, by key
func (p *SQLitePersister) LoadValues() (map[string][]byte, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	rows, err := p.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("load values: %w", err)
	}
	defer rows.Close()

	values := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("load values: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load values: %w", err)
	}
	logger.Debugf("Loaded %v values from %v", len(values), p.path)
	return values, nil
}

// returns every persisted record, ordered by replica id and instance number
func (p *SQLitePersister) LoadInstances() ([]*consensus.InstanceRecord, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	rows, err := p.db.Query(`SELECT record FROM instances ORDER BY replica_id, number`)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	defer rows.Close()

	records := make([]*consensus.InstanceRecord, 0)
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("load instances: %w", err)
		}
		record, err := decodeRecord(b)
		if err != nil {
			return nil, fmt.Errorf("load instances: corrupt record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	logger.Debugf("Loaded %v instance records from %v", len(records), p.path)
	return records, nil
}

// returns the number of persisted instances with the given status
func (p *SQLitePersister) CountByStatus(status consensus.InstanceStatus) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	var count int
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM instances WHERE status = ?`, int(status)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return count, nil
}

func (p *SQLitePersister) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
