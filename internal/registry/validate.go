package registry

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validate checks that every entry has a parseable proximity UUID and a
// name, and that identifiers are unique. IDs are rewritten to canonical
// form in place.
func Validate(entries []Entry) error {
	seen := make(map[string]int, len(entries))
	for i := range entries {
		e := &entries[i]
		id, err := uuid.Parse(strings.TrimSpace(e.ID))
		if err != nil {
			return fmt.Errorf("device %d: invalid uuid %q: %w", i+1, e.ID, err)
		}
		e.ID = id.String()
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			return fmt.Errorf("device %d (%s): name is required", i+1, e.ID)
		}
		if prev, dup := seen[e.ID]; dup {
			return fmt.Errorf("device %d: uuid %s already used by device %d", i+1, e.ID, prev)
		}
		seen[e.ID] = i + 1
	}
	return nil
}
