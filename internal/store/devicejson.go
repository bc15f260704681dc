package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nugget/blescanner/internal/registry"
)

// ParseDeviceJSON reads a device list exported from the firmware. Two
// shapes are accepted:
//
//	[{"name": "phone", "uuid": "..."}, ...]
//	{"device_uuid1": "...", "device_name1": "phone", ...}
//
// The flat form stops at the first index with an empty uuid or name.
// Entries are validated and canonicalized with [registry.Validate].
func ParseDeviceJSON(data []byte) ([]registry.Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty device document")
	}

	var entries []registry.Entry
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse device list: %w", err)
		}
	case '{':
		var flat map[string]string
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("parse legacy device map: %w", err)
		}
		for i := 1; ; i++ {
			n := strconv.Itoa(i)
			id, name := flat["device_uuid"+n], flat["device_name"+n]
			if id == "" || name == "" {
				break
			}
			entries = append(entries, registry.Entry{ID: id, Name: name})
		}
	default:
		return nil, fmt.Errorf("unrecognized device document")
	}

	if entries == nil {
		entries = []registry.Entry{}
	}
	if err := registry.Validate(entries); err != nil {
		return nil, err
	}
	return entries, nil
}
