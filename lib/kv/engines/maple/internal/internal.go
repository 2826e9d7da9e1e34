package internal

import (
	"fmt"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Entry Type (committed value with version)
// --------------------------------------------------------------------------

// Entry stores a committed value together with the version of the commit that wrote it
type Entry struct {
	Value   []byte // Committed value
	Version uint64 // Commit version, strictly increasing per store
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{Version: %d, Len: %d}", e.Version, len(e.Value))
}

// --------------------------------------------------------------------------
// Shard Type (partition of a table)
// --------------------------------------------------------------------------

// Shard represents a partition of a table.
// Each shard has its own independent concurrent map.
type Shard struct {
	Data *xsync.MapOf[string, Entry] // Map of committed key-value entries
}

// NewShard creates a new shard using xxhash for the bucket selection
func NewShard() *Shard {
	return &Shard{
		Data: xsync.NewMapOfWithHasher[string, Entry](func(key string, seed uint64) uint64 {
			return xxhash.Sum64String(key) ^ seed
		}),
	}
}

// HashKey returns the hash used to select the shard of a key
func HashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// GetShard returns the appropriate shard for a given key hash
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](hash uint64, shards []*T) *T {
	// Shift right by 7 bits to use higher-quality bits for distribution
	shiftedKey := hash >> 7
	shardPos := shiftedKey % uint64(len(shards))
	return shards[shardPos]
}
