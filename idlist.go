package flagcore

import (
	"strings"
	"sync"
	"sync/atomic"
)

// IDList is an incrementally-synced set of opaque membership IDs, used by
// in_segment_list/not_in_segment_list conditions (spec.md §4.6).
type IDList struct {
	Name         string
	CreationTime int64
	URL          string
	FileID       string
	Size         int64

	ids *sync.Map
	mu  sync.Mutex
}

func newIDList(name string) *IDList {
	return &IDList{Name: name, ids: &sync.Map{}}
}

// Contains reports whether id is a current member.
func (l *IDList) Contains(id string) bool {
	if l == nil {
		return false
	}
	_, ok := l.ids.Load(id)
	return ok
}

func (l *IDList) size() int64 {
	return atomic.LoadInt64(&l.Size)
}

// applyDiff parses a newline-separated "+id"/"-id" diff — the wire format
// for a ranged GET and the adapter persistence format alike
// (SPEC_FULL.md §4.6.1) — and grows Size by contentLength, which is the
// byte length of content as reported by the source (Content-Length header
// for network, raw string length for the adapter).
func (l *IDList) applyDiff(content string, contentLength int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) <= 1 {
			continue
		}
		op, id := line[0], line[1:]
		switch op {
		case '+':
			l.ids.Store(id, struct{}{})
		case '-':
			l.ids.Delete(id)
		}
	}
	atomic.AddInt64(&l.Size, contentLength)
}

// serialize renders the list as "+id\n" records, the adapter persistence
// format (SPEC_FULL.md §4.6.1).
func (l *IDList) serialize() string {
	var b strings.Builder
	l.ids.Range(func(key, _ interface{}) bool {
		b.WriteString("+")
		b.WriteString(key.(string))
		b.WriteString("\n")
		return true
	})
	return b.String()
}
