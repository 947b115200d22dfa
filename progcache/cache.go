// Package progcache is a content-addressed program cache backed by SQLite.
// Programs are stored in their wire encoding under the SHA-256 of that
// encoding; decoded programs are kept in memory once loaded.
package progcache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chazu/govm/vm"
	"github.com/chazu/govm/vm/wire"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested program is not cached.
var ErrNotFound = errors.New("program not found")

var log = commonlog.GetLogger("govm.progcache")

// Entry describes a cached program.
type Entry struct {
	Hash    [32]byte
	Entry   string // name of the entry function
	Size    int
	Created time.Time
}

// Cache stores encoded programs by content hash.
type Cache struct {
	db   *sql.DB
	path string

	mu      sync.RWMutex
	decoded map[[32]byte]*vm.Program
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS programs (
		hash    TEXT PRIMARY KEY,
		entry   TEXT NOT NULL,
		data    BLOB NOT NULL,
		created INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	log.Debugf("opened program cache %s", path)
	return &Cache{db: db, path: path, decoded: make(map[[32]byte]*vm.Program)}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Put validates and stores an encoded program and returns its hash.
// Storing the same program twice is a no-op.
func (c *Cache) Put(data []byte) ([32]byte, error) {
	prog, err := wire.Unmarshal(data)
	if err != nil {
		return [32]byte{}, err
	}
	h := wire.Hash(data)
	_, err = c.db.Exec(
		"INSERT OR IGNORE INTO programs (hash, entry, data, created) VALUES (?, ?, ?, ?)",
		wire.HashString(h), prog.Funcs[prog.Entry].Name, data, time.Now().Unix(),
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("saving program: %w", err)
	}
	c.mu.Lock()
	c.decoded[h] = prog
	c.mu.Unlock()
	log.Debugf("stored program %s (%d bytes)", wire.HashString(h), len(data))
	return h, nil
}

// PutProgram encodes and stores a program.
func (c *Cache) PutProgram(p *vm.Program) ([32]byte, error) {
	data, err := wire.Marshal(p)
	if err != nil {
		return [32]byte{}, err
	}
	return c.Put(data)
}

// Bytes returns the encoding stored under h.
func (c *Cache) Bytes(h [32]byte) ([]byte, error) {
	var data []byte
	err := c.db.QueryRow("SELECT data FROM programs WHERE hash = ?", wire.HashString(h)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying program: %w", err)
	}
	return data, nil
}

// Get returns the decoded program stored under h. The returned program is
// shared and must not be modified.
func (c *Cache) Get(h [32]byte) (*vm.Program, error) {
	c.mu.RLock()
	prog, ok := c.decoded[h]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	data, err := c.Bytes(h)
	if err != nil {
		return nil, err
	}
	if wire.Hash(data) != h {
		return nil, fmt.Errorf("program %s: stored bytes do not match their hash", wire.HashString(h))
	}
	prog, err = wire.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.decoded[h] = prog
	c.mu.Unlock()
	return prog, nil
}

// Has reports whether a program is cached.
func (c *Cache) Has(h [32]byte) (bool, error) {
	var n int
	err := c.db.QueryRow("SELECT COUNT(*) FROM programs WHERE hash = ?", wire.HashString(h)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying program: %w", err)
	}
	return n > 0, nil
}

// List returns every cached program, oldest first.
func (c *Cache) List() ([]Entry, error) {
	rows, err := c.db.Query("SELECT hash, entry, length(data), created FROM programs ORDER BY created, hash")
	if err != nil {
		return nil, fmt.Errorf("listing programs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			hash    string
			e       Entry
			created int64
		)
		if err := rows.Scan(&hash, &e.Entry, &e.Size, &created); err != nil {
			return nil, fmt.Errorf("listing programs: %w", err)
		}
		if e.Hash, err = wire.ParseHash(hash); err != nil {
			return nil, err
		}
		e.Created = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a program.
func (c *Cache) Delete(h [32]byte) error {
	res, err := c.db.Exec("DELETE FROM programs WHERE hash = ?", wire.HashString(h))
	if err != nil {
		return fmt.Errorf("deleting program: %w", err)
	}
	c.mu.Lock()
	delete(c.decoded, h)
	c.mu.Unlock()
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
