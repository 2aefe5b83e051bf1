package caches

import (
	"sort"
	"strings"
	"time"
)

var (
	// DefaultExpiredDuration the default expired duration
	DefaultExpiredDuration = 24 * time.Hour

	// DefaultExpiredTaskTimer is the default duration of the expired task timer
	DefaultExpiredTaskTimer = 10 * time.Minute

	// DefaultQuotaBytes mirrors the usual browser session storage allowance.
	DefaultQuotaBytes int64 = 5 * 1024 * 1024
)

const (
	DefaultNamespace = "gocondfetch"
	DefaultVersion   = "v1"
)

// Keyspace builds namespaced and versioned cache keys of the form
// namespace:version:METHOD:url[:bodyHash]. Bumping Version orphans every
// key written under the previous one.
type Keyspace struct {
	Namespace string
	Version   string
}

// DefaultKeyspace returns the keyspace used when none is configured.
func DefaultKeyspace() Keyspace {
	return Keyspace{Namespace: DefaultNamespace, Version: DefaultVersion}
}

// Key returns the storage key for a request.
func (k Keyspace) Key(method, url, bodyHash string) string {
	key := k.VersionPrefix() + strings.ToUpper(method) + ":" + url
	if bodyHash != "" {
		key += ":" + bodyHash
	}
	return key
}

// Prefix is shared by every key of the namespace, whatever the version.
func (k Keyspace) Prefix() string {
	return k.Namespace + ":"
}

// VersionPrefix is shared by every key of the current version.
func (k Keyspace) VersionPrefix() string {
	return k.Namespace + ":" + k.Version + ":"
}

// Owns reports whether key lives in the namespace.
func (k Keyspace) Owns(key string) bool {
	return strings.HasPrefix(key, k.Prefix())
}

// Stamped is a key paired with the time its entry was stored.
type Stamped struct {
	Key      string
	StoredAt time.Time
}

// OldestKeys returns the oldest percentage of items by StoredAt. At least one
// key is returned when items is non-empty and percentage is positive.
func OldestKeys(items []Stamped, percentage int) []string {
	if len(items) == 0 || percentage <= 0 {
		return nil
	}
	if percentage > 100 {
		percentage = 100
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].StoredAt.Before(items[j].StoredAt)
	})

	n := len(items) * percentage / 100
	if n == 0 {
		n = 1
	}

	keys := make([]string, 0, n)
	for _, it := range items[:n] {
		keys = append(keys, it.Key)
	}
	return keys
}
