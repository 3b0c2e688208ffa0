package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/always-cache/altsvc/alpn"
	"github.com/always-cache/altsvc/pkg/origin"
)

// Persister stores and restores a complete set of cache entries.
// Restore must return the entries in the order they were persisted.
//
// Implementations must be thread-safe!
type Persister interface {
	// Persist replaces the stored set with the given entries.
	Persist(entries []Entry) error
	// Restore returns the stored entries.
	// Rows that cannot be turned into valid entries are skipped.
	Restore() ([]Entry, error)
}

type SQLitePersister struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLitePersister opens (or creates) the snapshot table in the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLitePersister(filename string) (SQLitePersister, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLitePersister{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS altsvc (
		position INTEGER PRIMARY KEY,
		src_alpn TEXT,
		src_host TEXT,
		src_port INTEGER,
		dst_alpn TEXT,
		dst_host TEXT,
		dst_port INTEGER,
		expires INTEGER,
		persist INTEGER,
		priority INTEGER
	)`)
	if err != nil {
		db.Close()
		return SQLitePersister{}, fmt.Errorf("could not create altsvc table: %w", err)
	}
	return SQLitePersister{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLitePersister) Persist(entries []Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	// rollback is a no-op after a successful commit
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM altsvc"); err != nil {
		return err
	}
	for i, e := range entries {
		persist := 0
		if e.Persist {
			persist = 1
		}
		_, err := tx.Exec(`INSERT INTO altsvc
			(position, src_alpn, src_host, src_port, dst_alpn, dst_host, dst_port, expires, persist, priority)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i,
			e.Source.Protocol.String(), e.Source.Host, int(e.Source.Port),
			e.Destination.Protocol.String(), e.Destination.Host, int(e.Destination.Port),
			e.Expires.Unix(), persist, 0)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLitePersister) Restore() ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := s.db.Query(`SELECT
		src_alpn, src_host, src_port, dst_alpn, dst_host, dst_port, expires, persist
		FROM altsvc ORDER BY position ASC`)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var srcAlpn, srcHost, dstAlpn, dstHost string
		var srcPort, dstPort, persist int
		var exp int64
		if err := rows.Scan(&srcAlpn, &srcHost, &srcPort, &dstAlpn, &dstHost, &dstPort, &exp, &persist); err != nil {
			return entries, err
		}
		if !validPort(srcPort) || !validPort(dstPort) {
			continue
		}
		src, ok := origin.New(srcAlpn, srcHost, uint16(srcPort))
		if !ok {
			continue
		}
		dstHost, ok = origin.NormalizeDestinationHost(dstHost)
		dstId := alpn.FromString(dstAlpn)
		if !ok || dstId == alpn.None {
			continue
		}
		entries = append(entries, Entry{
			Source:      src,
			Destination: origin.Endpoint{Protocol: dstId, Host: dstHost, Port: uint16(dstPort)},
			Expires:     time.Unix(exp, 0).UTC(),
			Persist:     persist == 1,
		})
	}
	return entries, rows.Err()
}

// Close closes the underlying db.
func (s SQLitePersister) Close() error {
	return s.db.Close()
}

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}
