// Package greylist implements triplet-based greylisting: a first-sight
// sender/recipient/client combination is deferred briefly, on the
// expectation that spam senders rarely retry while legitimate MTAs
// always do.
package greylist

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/zetian/internal/safeio"
)

// Entry is the persisted state for one triplet.
type Entry struct {
	FirstSeen   time.Time
	LastSeen    time.Time
	Attempts    int
	Whitelisted bool
	WhitelistAt time.Time
}

// Decision is what the caller should do with the current attempt.
type Decision int

const (
	// Accept means enough time has passed (or the triplet is already
	// whitelisted): let the message through.
	Accept Decision = iota
	// Defer means this is a new or too-recent attempt: ask the client to
	// retry later.
	Defer
)

// DB is the in-memory, persisted-to-disk greylist store. It is safe for
// concurrent use, following the mutex-guarded map idiom used throughout
// this codebase for small persistent per-key state.
type DB struct {
	mu   sync.Mutex
	data map[string]*Entry

	path string

	InitialDelay      time.Duration
	MaxRetryTime      time.Duration
	WhitelistDuration time.Duration
}

// New creates a DB backed by path (a JSON snapshot file); path may not
// exist yet. Defaults: InitialDelay=1m, MaxRetryTime=24h,
// WhitelistDuration=30 days, matching common greylisting daemons.
func New(path string) *DB {
	db := &DB{
		data:              map[string]*Entry{},
		path:              path,
		InitialDelay:      time.Minute,
		MaxRetryTime:      24 * time.Hour,
		WhitelistDuration: 30 * 24 * time.Hour,
	}
	if err := db.load(); err != nil {
		log.Errorf("greylist: could not load %q, starting empty: %v", path, err)
	}
	return db
}

func (db *DB) load() error {
	if db.path == "" {
		return nil
	}
	raw, err := os.ReadFile(db.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	var snapshot map[string]*Entry
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	db.data = snapshot
	return nil
}

func (db *DB) persist() {
	if db.path == "" {
		return
	}

	db.mu.Lock()
	raw, err := json.Marshal(db.data)
	db.mu.Unlock()
	if err != nil {
		log.Errorf("greylist: marshal failed: %v", err)
		return
	}

	if err := safeio.WriteFile(db.path, raw, 0600); err != nil {
		log.Errorf("greylist: could not persist to %q: %v", db.path, err)
	}
}

// Key builds the triplet key for clientIP/sender/recipient. The client
// identity is coarsened to its /24 (IPv4) or /64 (IPv6) so that a sender
// rotating addresses within the same block is still recognized.
func Key(clientIP net.IP, sender, recipient string) string {
	return fmt.Sprintf("%s|%s|%s", clientNet(clientIP), strings.ToLower(sender), strings.ToLower(recipient))
}

func clientNet(ip net.IP) string {
	if ip == nil {
		return "unknown"
	}
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(24, 32)
		return v4.Mask(mask).String()
	}
	mask := net.CIDRMask(64, 128)
	return ip.Mask(mask).String()
}

// Check evaluates the triplet at time now and records the attempt,
// returning whether to Accept or Defer:
//   - first sight: store attempts=1, Defer.
//   - retry before InitialDelay: Defer again.
//   - retry after MaxRetryTime since first_seen: reset as a new entry, Defer.
//   - otherwise: Accept and whitelist for WhitelistDuration.
//   - already whitelisted (and not expired): Accept.
func (db *DB) Check(key string, now time.Time) Decision {
	db.mu.Lock()
	defer db.mu.Unlock()

	e, ok := db.data[key]
	if !ok {
		db.data[key] = &Entry{FirstSeen: now, LastSeen: now, Attempts: 1}
		return Defer
	}

	if e.Whitelisted {
		if now.Sub(e.WhitelistAt) > db.WhitelistDuration {
			// Whitelist expired: treat as a brand new triplet.
			*e = Entry{FirstSeen: now, LastSeen: now, Attempts: 1}
			return Defer
		}
		e.LastSeen = now
		return Accept
	}

	e.Attempts++
	e.LastSeen = now

	elapsed := now.Sub(e.FirstSeen)
	switch {
	case elapsed > db.MaxRetryTime:
		*e = Entry{FirstSeen: now, LastSeen: now, Attempts: 1}
		return Defer
	case elapsed < db.InitialDelay:
		return Defer
	default:
		e.Whitelisted = true
		e.WhitelistAt = now
		return Accept
	}
}

// Sweep purges entries that have aged out: non-whitelisted entries
// older than MaxRetryTime, and whitelisted entries older than
// WhitelistDuration past their whitelisting time. Call periodically
// from a background goroutine.
func (db *DB) Sweep(now time.Time) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	removed := 0
	for k, e := range db.data {
		if e.Whitelisted {
			if now.Sub(e.WhitelistAt) > db.WhitelistDuration {
				delete(db.data, k)
				removed++
			}
			continue
		}
		if now.Sub(e.FirstSeen) > db.MaxRetryTime {
			delete(db.data, k)
			removed++
		}
	}
	return removed
}

// Persist writes the current state to disk immediately.
func (db *DB) Persist() {
	db.persist()
}

// Len reports the number of tracked triplets, for metrics.
func (db *DB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.data)
}
