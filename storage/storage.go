package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// errClosed is returned by a memory Storage after Close
var errClosed = errors.New("storage is closed")

// Checkpoint is the last verified view of a log a monitor has recorded.
type Checkpoint struct {
	LogID     string
	TreeSize  uint64
	Timestamp uint64
	RootHash  []byte
	UpdatedAt time.Time
}

func (c *Checkpoint) copy() *Checkpoint {
	cp := *c
	cp.RootHash = append([]byte(nil), c.RootHash...)
	return &cp
}

// Storage persists per-log checkpoints between probe rounds and process
// restarts. Implementations must be safe for concurrent use.
type Storage interface {
	// GetCheckpoint returns the checkpoint for logID, or nil if the log has no
	// checkpoint yet.
	GetCheckpoint(ctx context.Context, logID string) (*Checkpoint, error)
	// PutCheckpoint creates or replaces the checkpoint for cp.LogID.
	PutCheckpoint(ctx context.Context, cp *Checkpoint) error
	// Close releases the storage's resources. Calls made after Close fail.
	Close() error
}

// impl is a MySQL backed Storage
type impl struct {
	db *sql.DB
}

// New initializes a MySQL backed Storage using the given DSN. parseTime is
// always enabled on the DSN since checkpoints are scanned into time.Time. The
// Checkpoints table is expected to exist:
//
//	CREATE TABLE Checkpoints (
//	  LogID VARCHAR(64) NOT NULL PRIMARY KEY,
//	  TreeSize BIGINT UNSIGNED NOT NULL,
//	  Timestamp BIGINT UNSIGNED NOT NULL,
//	  RootHash VARBINARY(32) NOT NULL,
//	  UpdatedAt DATETIME NOT NULL
//	);
func New(dsn string) (Storage, error) {
	dsn, err := mysqlDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &impl{db: db}, nil
}

// mysqlDSN returns dsn with parseTime enabled.
func mysqlDSN(dsn string) (string, error) {
	conf, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	conf.ParseTime = true
	return conf.FormatDSN(), nil
}

func (s *impl) Close() error {
	return s.db.Close()
}

func (s *impl) GetCheckpoint(ctx context.Context, logID string) (*Checkpoint, error) {
	cp := &Checkpoint{LogID: logID}
	err := s.db.QueryRowContext(ctx,
		"SELECT TreeSize, Timestamp, RootHash, UpdatedAt FROM Checkpoints WHERE LogID = ?",
		logID).Scan(&cp.TreeSize, &cp.Timestamp, &cp.RootHash, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *impl) PutCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.LogID == "" {
		return errors.New("checkpoint must have a LogID")
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO Checkpoints (LogID, TreeSize, Timestamp, RootHash, UpdatedAt) VALUES (?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE TreeSize = VALUES(TreeSize), Timestamp = VALUES(Timestamp), "+
			"RootHash = VALUES(RootHash), UpdatedAt = VALUES(UpdatedAt)",
		cp.LogID, cp.TreeSize, cp.Timestamp, cp.RootHash, cp.UpdatedAt)
	if err != nil {
		return err
	}
	// MySQL reports 1 for an insert, 2 for an update and 0 for an update that
	// changed nothing.
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 2 {
		return fmt.Errorf("Unexpected number of rows affected: expected at most 2, got %d", affected)
	}
	return nil
}

// memory is a Storage kept in process memory. Checkpoints do not survive a
// restart.
type memory struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	closed      bool
}

// NewMemory returns an empty in-memory Storage.
func NewMemory() Storage {
	return &memory{checkpoints: make(map[string]*Checkpoint)}
}

func (m *memory) GetCheckpoint(_ context.Context, logID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	cp, ok := m.checkpoints[logID]
	if !ok {
		return nil, nil
	}
	return cp.copy(), nil
}

func (m *memory) PutCheckpoint(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.LogID == "" {
		return errors.New("checkpoint must have a LogID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.checkpoints[cp.LogID] = cp.copy()
	return nil
}

func (m *memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
