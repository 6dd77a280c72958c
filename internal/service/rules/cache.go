// Package rules implements the detection-side services the rule pipeline
// composes: two-tier caches over seen domains, IOCs, and processed files,
// alert-once throttling, allow-list matching, and the unknown-domain and
// IOC evaluators.
package rules

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// ErrNotFound marks a cache lookup whose subject is absent in every tier.
var ErrNotFound = errors.New("not found")

// ScopeKey identifies the site/scope tuple detection state is partitioned by.
type ScopeKey struct {
	SiteID string
	Scope  string
}

// Validate checks both halves of the key are present.
func (k ScopeKey) Validate() error {
	if strings.TrimSpace(k.SiteID) == "" {
		return errors.New("site_id is required")
	}
	if strings.TrimSpace(k.Scope) == "" {
		return errors.New("scope is required")
	}
	return nil
}

// SeenKey addresses one domain within a detection scope.
type SeenKey struct {
	Scope ScopeKey
	// Domain is lowercased by the cache before use.
	Domain string
}

// Validate checks the key is fully specified.
func (k SeenKey) Validate() error {
	if err := k.Scope.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(k.Domain) == "" {
		return errors.New("domain is required")
	}
	return nil
}

// FileKey addresses one scanned file hash within a detection scope.
type FileKey struct {
	Scope ScopeKey
	// FileHash is a 64-char hex SHA-256.
	FileHash string
}

// Validate checks the key is fully specified.
func (k FileKey) Validate() error {
	if err := k.Scope.Validate(); err != nil {
		return err
	}
	if !isHex64(k.FileHash) {
		return errors.New("file_hash must be 64 hex chars")
	}
	return nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, ch := range s {
		switch {
		case ch >= '0' && ch <= '9', ch >= 'a' && ch <= 'f', ch >= 'A' && ch <= 'F':
		default:
			return false
		}
	}
	return true
}

// CacheTTL carries the per-tier expiry configuration of the rules caches.
type CacheTTL struct {
	SeenDomainsLocal     time.Duration
	SeenDomainsShared    time.Duration
	IOCsLocal            time.Duration
	IOCsShared           time.Duration
	ProcessedFilesLocal  time.Duration
	ProcessedFilesShared time.Duration
}

// DefaultCacheTTL returns the production expiry defaults.
func DefaultCacheTTL() CacheTTL {
	return CacheTTL{
		SeenDomainsLocal:     5 * time.Minute,
		SeenDomainsShared:    time.Hour,
		IOCsLocal:            15 * time.Minute,
		IOCsShared:           4 * time.Hour,
		ProcessedFilesLocal:  10 * time.Minute,
		ProcessedFilesShared: 24 * time.Hour,
	}
}

// SeenDomainsCache tracks which domains a detection scope has already seen.
// Implementations layer a local LRU over the shared cache over the
// seen_domains table.
type SeenDomainsCache interface {
	// Exists reports whether the domain is known without mutating state.
	Exists(ctx context.Context, key SeenKey) (bool, error)
	// Check records the sighting and reports whether the domain was
	// already known before this call. The database upsert is the
	// authority; cache tiers are hints primed on the way through.
	Check(ctx context.Context, key SeenKey) (bool, error)
	// Record marks the domain seen without reporting prior state.
	Record(ctx context.Context, key SeenKey) error
}

// IOCCache answers host lookups against the indicator set with positive and
// negative caching. Misses return ErrNotFound, never a nil IOC.
type IOCCache interface {
	LookupHost(ctx context.Context, host string) (*model.IOC, error)
}

// ProcessedFilesCache tracks file hashes already scanned within a scope.
type ProcessedFilesCache interface {
	IsProcessed(ctx context.Context, key FileKey) (bool, error)
	// MarkProcessed records the hash; storageKey is the stable reference
	// to the stored file content required by the table.
	MarkProcessed(ctx context.Context, key FileKey, storageKey string) error
}

// AlertSeenRequest asks the alert-once cache whether a dedupe key already
// fired within its TTL.
type AlertSeenRequest struct {
	Scope     ScopeKey
	DedupeKey string
	TTL       time.Duration
}

// AlertOnceCache throttles repeat alerts for the same subject per scope.
type AlertOnceCache interface {
	// Seen atomically claims the dedupe key. It reports true when the key
	// had already been claimed, false when this call claimed it.
	Seen(ctx context.Context, req AlertSeenRequest) (bool, error)
	// Peek reports whether the key is claimed without claiming it.
	Peek(ctx context.Context, req AlertSeenRequest) (bool, error)
}
