/*
Package ledgerdb is an embeddable storage engine for append-mostly financial
records keyed by (account, date, sequence). Each account is stored in an
independent on-disk B-tree whose nodes cache their subtree amount sum, so
point lookups and cumulative-balance queries run in time logarithmic in the
account's record count; range scans additionally visit every record they
return.

The Ledger facade multiplexes accounts: it creates one tree per account on
first use, routes every operation by the key's account, and owns the
save/load fan-out. Within one account all operations are serialized; nodes
overflowing the configured degree are tolerated in memory and split when the
ledger is saved.
*/
package ledgerdb

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"github.com/rickcollette/ledgerdb/btree"
	"github.com/rickcollette/ledgerdb/record"
)

// Options configure a Ledger.
type Options struct {
	// Degree is the maximum entries per tree node, applied uniformly to
	// every account tree the ledger creates.
	Degree int
	// DataDir is the root under which per-account node directories live.
	DataDir string
	// EncryptionKey, when 32 bytes long, seals node blobs at rest with
	// XChaCha20-Poly1305. Empty disables encryption.
	EncryptionKey []byte
	// Seed makes the per-tree RNGs (neighbour selection, id allocation)
	// reproducible. Zero draws a random seed.
	Seed int64
	// Fs is the backing filesystem; nil means the host filesystem.
	Fs afero.Fs
	// Logger receives engine diagnostics; the zero value stays silent.
	Logger zerolog.Logger
}

// DefaultOptions returns the options a bare ledger runs with.
func DefaultOptions() Options {
	return Options{
		Degree:  btree.DefaultDegree,
		DataDir: "ledgerdb-data",
		Logger:  zerolog.Nop(),
	}
}

type accountHandle struct {
	mu   sync.RWMutex
	tree *btree.AccountTree
}

// Ledger maps accounts to their trees and routes every operation.
//
// Locking: the ledger-wide lock is held shared by per-account operations and
// exclusively by Save and Load. Each account additionally carries its own
// read/write lock, so operations on different accounts proceed in parallel
// while writers within one account are serialized.
type Ledger struct {
	opts Options
	fs   afero.Fs
	log  zerolog.Logger
	seed int64

	mu       sync.RWMutex // ledger-wide: exclusive during Save/Load
	handleMu sync.Mutex   // guards the accounts map
	accounts map[string]*accountHandle
}

// New builds a ledger from opts, filling in defaults for zero fields.
func New(opts Options) *Ledger {
	if opts.Degree < 2 {
		opts.Degree = btree.DefaultDegree
	}
	if opts.DataDir == "" {
		opts.DataDir = DefaultOptions().DataDir
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	seed := opts.Seed
	if seed == 0 {
		var buf [8]byte
		if _, err := cryptorand.Read(buf[:]); err == nil {
			seed = int64(binary.LittleEndian.Uint64(buf[:]) >> 1)
		}
		if seed == 0 {
			seed = 1
		}
	}
	return &Ledger{
		opts:     opts,
		fs:       opts.Fs,
		log:      opts.Logger,
		seed:     seed,
		accounts: make(map[string]*accountHandle),
	}
}

// handleFor returns the handle for account, creating a lazy tree on first
// use. Callers hold the ledger-wide lock at least shared.
func (l *Ledger) handleFor(account string) *accountHandle {
	l.handleMu.Lock()
	defer l.handleMu.Unlock()
	if h, ok := l.accounts[account]; ok {
		return h
	}
	h := &accountHandle{tree: l.newTree(account)}
	l.accounts[account] = h
	return h
}

func (l *Ledger) newTree(account string) *btree.AccountTree {
	rng := rand.New(rand.NewSource(l.seed ^ accountSeed(account)))
	store := btree.NewNodeStore(l.fs, l.opts.DataDir, account, l.opts.EncryptionKey, rng, l.log)
	return btree.NewAccountTree(account, l.opts.Degree, store, rng, l.log)
}

func accountSeed(account string) int64 {
	h := fnv.New64a()
	h.Write([]byte(account))
	return int64(h.Sum64() >> 1)
}

// Insert adds r to its account's tree; false means the key already exists.
func (l *Ledger) Insert(r record.Record) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(r.Key.Account)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Insert(r)
}

// Update replaces the record under r's key; false means it does not exist.
func (l *Ledger) Update(r record.Record) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(r.Key.Account)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Update(r)
}

// Delete removes the record under k; false means it does not exist.
func (l *Ledger) Delete(k record.Key) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(k.Account)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.Delete(k)
}

// DeleteRecord removes r by its key.
func (l *Ledger) DeleteRecord(r record.Record) (bool, error) {
	return l.Delete(r.Key)
}

// DeleteRange removes every record of start's account with a key between
// start and end inclusive and returns the count removed.
func (l *Ledger) DeleteRange(start, end record.Key) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(start.Account)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tree.DeleteRange(start, end)
}

// Read returns the record stored under k.
func (l *Ledger) Read(k record.Key) (record.Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(k.Account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.Read(k)
}

// Contains reports whether a record is stored under k.
func (l *Ledger) Contains(k record.Key) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(k.Account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.Contains(k)
}

// List returns every record of account in key order.
func (l *Ledger) List(account string) ([]record.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.List()
}

// ListRange returns start's account's records with keys in [start, end].
func (l *Ledger) ListRange(start, end record.Key) ([]record.Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(start.Account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.ListRange(start, end)
}

// Count returns the number of records stored for account.
func (l *Ledger) Count(account string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.Count()
}

// BalanceAsOf returns the sum of amounts of k's account's records with keys
// at or before k.
func (l *Ledger) BalanceAsOf(k record.Key) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(k.Account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.BalanceAsOf(k)
}

// AdjustKey returns k with the next free sequence for its account and date.
func (l *Ledger) AdjustKey(k record.Key) (record.Key, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h := l.handleFor(k.Account)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tree.AdjustKey(k)
}

// Accounts returns the accounts with a live tree, in map order.
func (l *Ledger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.handleMu.Lock()
	defer l.handleMu.Unlock()
	out := make([]string, 0, len(l.accounts))
	for account := range l.accounts {
		out = append(out, account)
	}
	return out
}

// Save splits every overflowing node and flushes all live trees to disk. It
// holds the ledger exclusively: no reads or writes run during a save, since
// splitting rewrites tree structure.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for account, h := range l.accounts {
		if err := h.tree.Save(); err != nil {
			return fmt.Errorf("failed to save account %q: %w", account, err)
		}
	}
	l.log.Info().Int("accounts", len(l.accounts)).Msg("ledger saved")
	return nil
}

// Load discards all in-memory state and registers one lazy tree per account
// directory found on disk. Node data is materialized on first access.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	accounts := make(map[string]*accountHandle)
	dir := filepath.Join(l.opts.DataDir, btree.NodesDir)
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.accounts = accounts
			return nil
		}
		return fmt.Errorf("failed to enumerate accounts in %s: %w", dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		account := entry.Name()
		accounts[account] = &accountHandle{tree: l.newTree(account)}
	}
	l.accounts = accounts
	l.log.Info().Int("accounts", len(accounts)).Msg("ledger loaded")
	return nil
}
