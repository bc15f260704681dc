package beacon

import (
	"strings"
	"sync"
)

// IgnoreList is the set of source addresses the radio stops reporting.
// It grows until cleared; there is no eviction. All methods are safe for
// concurrent use because the radio consults it from its own callback
// goroutine.
type IgnoreList struct {
	mu    sync.RWMutex
	addrs map[string]struct{}
}

// NewIgnoreList returns an empty list.
func NewIgnoreList() *IgnoreList {
	return &IgnoreList{addrs: make(map[string]struct{})}
}

// Ignore adds addr to the list. Empty addresses are skipped.
func (l *IgnoreList) Ignore(addr string) {
	if addr == "" {
		return
	}
	l.mu.Lock()
	l.addrs[strings.ToUpper(addr)] = struct{}{}
	l.mu.Unlock()
}

// Ignored reports whether addr is on the list. A nil list ignores nothing.
func (l *IgnoreList) Ignored(addr string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.addrs[strings.ToUpper(addr)]
	return ok
}

// Len returns the number of ignored addresses.
func (l *IgnoreList) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.addrs)
}

// Clear empties the list and returns how many entries were removed.
func (l *IgnoreList) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.addrs)
	l.addrs = make(map[string]struct{})
	return n
}
