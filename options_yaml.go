package flagcore

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlOptions is the on-disk shape of an Options file. It mirrors a subset
// of Options using plain types YAML can decode directly, since time.Duration
// and http.RoundTripper aren't meant to cross a config-file boundary.
type yamlOptions struct {
	SDKKey             string `yaml:"sdk_key"`
	API                string `yaml:"api"`
	ConfigSyncInterval string `yaml:"config_sync_interval"`
	IDListSyncInterval string `yaml:"id_list_sync_interval"`
	InitTimeout        string `yaml:"init_timeout"`
	LocalMode          bool   `yaml:"local_mode"`
	DisableIDLists     bool   `yaml:"disable_id_lists"`
	BootstrapFile      string `yaml:"bootstrap_file"`
	ExceptionEndpoint  string `yaml:"exception_endpoint"`
	IPCountry          struct {
		Disabled     bool `yaml:"disabled"`
		LazyLoad     bool `yaml:"lazy_load"`
		EnsureLoaded bool `yaml:"ensure_loaded"`
	} `yaml:"ip_country"`
	UAParser struct {
		Disabled     bool `yaml:"disabled"`
		LazyLoad     bool `yaml:"lazy_load"`
		EnsureLoaded bool `yaml:"ensure_loaded"`
	} `yaml:"ua_parser"`
}

// LoadOptionsFromYAML reads a YAML config file into an Options value. Durations
// are parsed with time.ParseDuration (e.g. "10s", "1m"); a blank or
// unparseable duration is left at zero so Options.withDefaults fills it in.
func LoadOptionsFromYAML(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	var y yamlOptions
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return Options{}, &InvalidArgumentError{Message: "invalid options yaml: " + err.Error()}
	}

	opts := Options{
		SDKKey:            y.SDKKey,
		API:               y.API,
		LocalMode:         y.LocalMode,
		DisableIDLists:    y.DisableIDLists,
		ExceptionEndpoint: y.ExceptionEndpoint,
		IPCountryOptions: IPCountryOptions{
			Disabled:     y.IPCountry.Disabled,
			LazyLoad:     y.IPCountry.LazyLoad,
			EnsureLoaded: y.IPCountry.EnsureLoaded,
		},
		UAParserOptions: UAParserOptions{
			Disabled:     y.UAParser.Disabled,
			LazyLoad:     y.UAParser.LazyLoad,
			EnsureLoaded: y.UAParser.EnsureLoaded,
		},
	}

	if y.ConfigSyncInterval != "" {
		if d, err := time.ParseDuration(y.ConfigSyncInterval); err == nil {
			opts.ConfigSyncInterval = d
		}
	}
	if y.IDListSyncInterval != "" {
		if d, err := time.ParseDuration(y.IDListSyncInterval); err == nil {
			opts.IDListSyncInterval = d
		}
	}
	if y.InitTimeout != "" {
		if d, err := time.ParseDuration(y.InitTimeout); err == nil {
			opts.InitTimeout = d
		}
	}
	if y.BootstrapFile != "" {
		data, err := os.ReadFile(y.BootstrapFile)
		if err != nil {
			return Options{}, err
		}
		opts.BootstrapValues = string(data)
	}

	return opts, nil
}
