// Package resolver maps ledger addresses to local identities for display
// enrichment. Results are never an authorization source.
package resolver

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/karlseguin/ccache"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/storage"
)

// Identity is the local summary linked to a ledger address.
type Identity = storage.Identity

// Lookup queries the local identity store. A nil identity with a nil error
// means no identity is linked.
type Lookup interface {
	IdentityByAddress(ctx context.Context, address string) (*storage.Identity, error)
}

// unresolved is cached for addresses with no linked identity.
type unresolved struct{}

// Resolver is a read-through cache over Lookup.
type Resolver struct {
	lookup Lookup
	cache  *ccache.Cache
	ttl    time.Duration
}

// New builds a resolver holding at most size entries for ttl each.
func New(lookup Lookup, size int64, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Resolver{
		lookup: lookup,
		cache:  ccache.New(ccache.Configure().MaxSize(size)),
		ttl:    ttl,
	}
}

// Normalize returns the cache key for address: the checksummed form for
// valid hex addresses, the trimmed lowercase input otherwise.
func Normalize(address string) string {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) {
		return common.HexToAddress(address).Hex()
	}
	return strings.ToLower(address)
}

// Resolve returns the identity linked to address; ok is false when none is.
func (r *Resolver) Resolve(ctx context.Context, address string) (Identity, bool, error) {
	key := Normalize(address)
	if key == "" {
		return Identity{}, false, nil
	}
	if cached := r.cache.Get(key); cached != nil && !cached.Expired() {
		if id, ok := cached.Value().(*Identity); ok {
			cached.Extend(r.ttl)
			return *id, true, nil
		}
		return Identity{}, false, nil
	}

	id, err := r.lookup.IdentityByAddress(ctx, key)
	if err != nil {
		return Identity{}, false, err
	}
	if id == nil {
		r.cache.Set(key, unresolved{}, r.ttl)
		return Identity{}, false, nil
	}
	r.cache.Set(key, id, r.ttl)
	return *id, true, nil
}

// ResolveBatch resolves every address. The result is keyed by normalized
// address and omits unresolved ones.
func (r *Resolver) ResolveBatch(ctx context.Context, addresses []string) (map[string]Identity, error) {
	out := make(map[string]Identity, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		key := Normalize(a)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		id, ok, err := r.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = id
		}
	}
	return out, nil
}

// Stop releases the cache's background worker.
func (r *Resolver) Stop() {
	r.cache.Stop()
}
