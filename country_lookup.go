package flagcore

import (
	"sync"

	"github.com/statsig-io/ip3country-go/pkg/countrylookup"
)

// CountryLookup is the narrow collaborator interface condition evaluation
// uses to resolve a country from an IP address for ip_based conditions.
type CountryLookup interface {
	LookupField(user User, field string) string
}

type noopCountryLookup struct{}

func (noopCountryLookup) LookupField(User, string) string { return "" }

// defaultCountryLookup wraps ip3country-go's in-memory lookup table,
// loaded lazily the same way the UA parser database is.
type defaultCountryLookup struct {
	mu           sync.RWMutex
	lookup       *countrylookup.CountryLookup
	wg           sync.WaitGroup
	ensureLoaded bool
}

func newDefaultCountryLookup(lazyLoad bool, ensureLoaded bool) *defaultCountryLookup {
	c := &defaultCountryLookup{ensureLoaded: ensureLoaded}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		l := countrylookup.New()
		c.mu.Lock()
		c.lookup = l
		c.mu.Unlock()
	}()
	if !lazyLoad {
		c.wg.Wait()
	}
	return c
}

func (c *defaultCountryLookup) ready() *countrylookup.CountryLookup {
	if c.ensureLoaded {
		c.wg.Wait()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup
}

func (c *defaultCountryLookup) LookupField(user User, field string) string {
	if lower(field) != "country" {
		return ""
	}
	ip, _ := getFromUser(user, "ip").(string)
	if ip == "" {
		return ""
	}
	lookup := c.ready()
	if lookup == nil {
		return ""
	}
	country, ok := lookup.LookupIp(ip)
	if !ok {
		return ""
	}
	return country
}
