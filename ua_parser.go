package flagcore

import (
	"strings"
	"sync"

	"github.com/ua-parser/uap-go/uaparser"
)

// UAParser is the narrow collaborator interface condition evaluation uses
// to derive device fields from a raw user agent string. The SDK never
// implements user-agent parsing itself (SPEC_FULL.md §1); this file only
// adapts the concrete third-party parser to the shape evaluation needs.
type UAParser interface {
	LookupField(user User, field string) string
}

// noopUAParser is used when UA parsing is disabled; ua_based conditions
// then only ever see the raw top-level/custom field value.
type noopUAParser struct{}

func (noopUAParser) LookupField(User, string) string { return "" }

// defaultUAParser lazily loads the bundled regex database in the
// background, mirroring the teacher's init(lazyLoad)/EnsureLoaded split so
// callers can choose between "don't block startup" and "never answer with
// a false negative because the parser wasn't ready yet".
type defaultUAParser struct {
	mu           sync.RWMutex
	parser       *uaparser.Parser
	wg           sync.WaitGroup
	ensureLoaded bool
}

func newDefaultUAParser(lazyLoad bool, ensureLoaded bool) *defaultUAParser {
	p := &defaultUAParser{ensureLoaded: ensureLoaded}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		parser := uaparser.NewFromSaved()
		p.mu.Lock()
		p.parser = parser
		p.mu.Unlock()
	}()
	if !lazyLoad {
		p.wg.Wait()
	}
	return p
}

func (p *defaultUAParser) ready() *uaparser.Parser {
	if p.ensureLoaded {
		p.wg.Wait()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.parser
}

func (p *defaultUAParser) LookupField(user User, field string) string {
	raw, _ := getFromUser(user, "useragent").(string)
	if raw == "" {
		return ""
	}
	parser := p.ready()
	if parser == nil {
		return ""
	}
	client := parser.Parse(raw)
	switch lower(field) {
	case "os_name", "osname":
		return client.Os.Family
	case "os_version", "osversion":
		return joinNonEmpty(client.Os.Major, client.Os.Minor, client.Os.Patch, client.Os.PatchMinor)
	case "browser_name", "browsername":
		return client.UserAgent.Family
	case "browser_version", "browserversion":
		return joinNonEmpty(client.UserAgent.Major, client.UserAgent.Minor, client.UserAgent.Patch)
	default:
		return ""
	}
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ".")
}
