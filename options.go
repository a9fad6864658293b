package flagcore

import (
	"net/http"
	"time"
)

// Options configures a Core instance (SPEC_FULL.md §2.1, spec.md §5).
type Options struct {
	SDKKey   string
	API      string
	Transport http.RoundTripper

	ConfigSyncInterval time.Duration
	IDListSyncInterval time.Duration
	InitTimeout        time.Duration

	LocalMode          bool
	DisableIDLists     bool
	IDListInitStrategy IDListInitStrategy
	BootstrapValues    string
	DataAdapter        DataAdapter

	ExceptionEndpoint string

	OutputLoggerOptions OutputLoggerOptions

	IPCountryOptions IPCountryOptions
	UAParserOptions  UAParserOptions

	Diagnostics Diagnostics
}

// IDListInitStrategy controls how Store.initialize treats ID lists at
// startup (spec.md §4.5 step 5): synchronously (the zero value), lazily
// (deferred to the ID-list poller's first tick), or not at all.
type IDListInitStrategy string

const (
	IDListInitSync IDListInitStrategy = ""
	IDListInitLazy IDListInitStrategy = "lazy"
	IDListInitNone IDListInitStrategy = "none"
)

// IPCountryOptions controls the optional ip_based collaborator.
type IPCountryOptions struct {
	Disabled     bool
	LazyLoad     bool
	EnsureLoaded bool
}

// UAParserOptions controls the optional ua_based collaborator.
type UAParserOptions struct {
	Disabled     bool
	LazyLoad     bool
	EnsureLoaded bool
}

const (
	defaultConfigSyncInterval = 10 * time.Second
	defaultIDListSyncInterval = 60 * time.Second
	defaultInitTimeout        = 3 * time.Second
	defaultAPI                = "https://flagcore.example.com/v1"
)

func (o Options) withDefaults() Options {
	if o.ConfigSyncInterval <= 0 {
		o.ConfigSyncInterval = defaultConfigSyncInterval
	}
	if o.IDListSyncInterval <= 0 {
		o.IDListSyncInterval = defaultIDListSyncInterval
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = defaultInitTimeout
	}
	o.API = defaultString(o.API, defaultAPI)
	return o
}
