package gocondfetch

import (
	"net/http"
	"time"

	"github.com/dgduncan/go-cond-fetch/caches"
)

const (
	// DefaultCacheTTL applies when neither the consumer nor the server name a freshness window.
	DefaultCacheTTL = 5 * time.Minute

	// DefaultEvictPercentage is the share of entries dropped when the store runs out of space.
	DefaultEvictPercentage = 50
)

type Config struct {
	// BaseURL is prepended to relative resource URLs.
	BaseURL string

	// HTTPClient performs every request. nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Keyspace namespaces and versions every cache key.
	Keyspace caches.Keyspace

	// DefaultCacheTTL is the freshness window used when a consumer sets none
	// and the server sends no max-age.
	DefaultCacheTTL time.Duration

	// DomainOverrides allow for users to override the caching-directive responses from
	// upstream servers and cache for an arbitrary amount of time.
	DomainOverrides []DomainOverride

	// EvictPercentage is evicted before retrying a write that hit the quota.
	EvictPercentage int

	// Session authorizes outgoing requests. Optional.
	Session Session
}

type DomainOverride struct {
	URI string // eg. api.example.com/inventory

	Duration time.Duration // eg. 1H
}

// Session is the authenticated-session provider. It is consumed, not implemented, here.
type Session interface {
	Authorize(r *http.Request) error
}

// SessionFunc adapts a function to Session.
type SessionFunc func(r *http.Request) error

func (f SessionFunc) Authorize(r *http.Request) error { return f(r) }

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		HTTPClient:      http.DefaultClient,
		Keyspace:        caches.DefaultKeyspace(),
		DefaultCacheTTL: DefaultCacheTTL,
		DomainOverrides: nil,
		EvictPercentage: DefaultEvictPercentage,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HTTPClient == nil {
		c.HTTPClient = d.HTTPClient
	}
	if c.Keyspace.Namespace == "" {
		c.Keyspace.Namespace = d.Keyspace.Namespace
	}
	if c.Keyspace.Version == "" {
		c.Keyspace.Version = d.Keyspace.Version
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = d.DefaultCacheTTL
	}
	if c.EvictPercentage <= 0 {
		c.EvictPercentage = d.EvictPercentage
	}
	return c
}

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	// Auto starts fetching on mount and whenever the URL or deps change.
	Auto bool
	// Cache enables persistence of GET responses in the Client's store.
	Cache bool
	// CacheTTL is the freshness window of stored entries.
	CacheTTL time.Duration
	// PollInterval, when positive, schedules recurring background fetches.
	PollInterval time.Duration
	// Deps are extra reactive trigger values; see Fetcher.SetDeps.
	Deps []any
	// Transform reshapes every response before it reaches consumer state.
	Transform func(*Response) (*Response, error)

	OnSuccess func(*Response)
	OnError   func(error)

	// MinLoadingDuration keeps Loading true at least this long on foreground fetches.
	MinLoadingDuration time.Duration

	ForceRefresh bool
	BypassCache  bool

	Method  string
	Headers http.Header
	Body    any
}

// MutationOptions configures a Mutator.
type MutationOptions struct {
	// Method defaults to POST.
	Method  string
	Headers http.Header

	OptimisticUpdate         func(vars any)
	RollbackOptimisticUpdate func(vars any)

	MinLoadingDuration time.Duration

	OnSuccess func(*Response)
	OnError   func(error)
	OnSettled func(*Response, error)

	// Invalidates lists GET URLs whose cache entries are dropped after a successful mutation.
	Invalidates []string
}
