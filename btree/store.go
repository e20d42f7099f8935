package btree

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rickcollette/ledgerdb/metrics"
)

// NodesDir is the directory under the data root holding one subdirectory of
// node blobs per account.
const NodesDir = "Nodes"

// NodeStore caches one account's nodes in memory and persists them as
// individually addressable blobs under <root>/Nodes/<account>/<id><ext>.
// Reads materialize lazily on cache miss; Put touches only the cache, and
// Save flushes every cached node. The store is unsynchronized: its owning
// tree serializes access.
type NodeStore struct {
	fs      afero.Fs
	dir     string
	account string
	codec   blobCodec
	cache   map[NodeID]*Node
	rng     *rand.Rand
	log     zerolog.Logger
}

// NewNodeStore builds a store for one account rooted at dataDir. A non-nil
// encryptionKey seals blobs at rest. The RNG feeds the id allocator and must
// be owned exclusively by this store's tree.
func NewNodeStore(fs afero.Fs, dataDir, account string, encryptionKey []byte, rng *rand.Rand, log zerolog.Logger) *NodeStore {
	return &NodeStore{
		fs:      fs,
		dir:     filepath.Join(dataDir, NodesDir, account),
		account: account,
		codec:   blobCodec{key: encryptionKey},
		cache:   make(map[NodeID]*Node),
		rng:     rng,
		log:     log.With().Str("account", account).Logger(),
	}
}

func (s *NodeStore) blobPath(id NodeID) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d%s", id, s.codec.Ext()))
}

// Get returns the node for id, materializing it from the backing store on a
// cache miss. The second return is false when the id is unknown to both the
// cache and the backing store.
func (s *NodeStore) Get(id NodeID) (*Node, bool, error) {
	if n, ok := s.cache[id]; ok {
		return n, true, nil
	}
	data, err := afero.ReadFile(s.fs, s.blobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read node %d: %w", id, err)
	}
	n, err := s.codec.Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("node %d: %w", id, err)
	}
	if n.ID != id {
		return nil, false, fmt.Errorf("%w: blob %d declares id %d", ErrInvariant, id, n.ID)
	}
	s.cache[id] = n
	metrics.NodeLoads.Inc()
	s.log.Debug().Uint64("node", uint64(id)).Int("entries", n.EntryCount()).Msg("node materialized")
	return n, true, nil
}

// Put inserts or replaces the cache entry for n. The backing store is not
// touched until Save.
func (s *NodeStore) Put(n *Node) {
	s.cache[n.ID] = n
}

// Delete evicts n from the cache and removes its backing blob if present.
func (s *NodeStore) Delete(n *Node) error {
	delete(s.cache, n.ID)
	if err := s.fs.Remove(s.blobPath(n.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove node %d: %w", n.ID, err)
	}
	return nil
}

// List returns the currently cached nodes. The order is unspecified but
// stable within one traversal.
func (s *NodeStore) List() []*Node {
	ids := make([]uint64, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, uint64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		nodes[i] = s.cache[NodeID(id)]
	}
	return nodes
}

// Save serializes every cached node to its backing blob, creating the
// account directory as needed. Existing blobs are overwritten so the disk
// matches the cache on return. A fault mid-flush leaves the directory
// partially updated; the cache itself is unchanged and a retry is safe.
func (s *NodeStore) Save() error {
	if len(s.cache) == 0 {
		return nil
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create account directory %s: %w", s.dir, err)
	}
	for _, n := range s.List() {
		data, err := s.codec.Encode(n)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(s.fs, s.blobPath(n.ID), data, 0o644); err != nil {
			return fmt.Errorf("failed to flush node %d: %w", n.ID, err)
		}
		metrics.NodeFlushes.Inc()
	}
	s.log.Debug().Int("nodes", len(s.cache)).Msg("cache flushed")
	return nil
}

// CacheLen reports the number of cached nodes.
func (s *NodeStore) CacheLen() uint64 {
	return uint64(len(s.cache))
}

// NewID draws an unused node id from a uniform 63-bit space, retrying on a
// collision with the live cache. Id 0 is reserved for the root and never
// returned.
func (s *NodeStore) NewID() NodeID {
	for {
		id := NodeID(s.rng.Int63())
		if id == RootID {
			continue
		}
		if _, ok := s.cache[id]; ok {
			continue
		}
		return id
	}
}
