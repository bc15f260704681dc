package broker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KV is the slice of the node store used for the instance ID.
type KV interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
}

const (
	instanceNamespace = "node"
	instanceKey       = "instance_id"
)

// LoadOrCreateInstanceID reads the instance ID from kv, or generates a
// new UUIDv7 and persists it if none is stored. The instance ID
// identifies this node across hostname and room changes.
func LoadOrCreateInstanceID(kv KV) (string, error) {
	stored, err := kv.Get(instanceNamespace, instanceKey)
	if err != nil {
		return "", fmt.Errorf("load instance ID: %w", err)
	}
	if id := strings.TrimSpace(stored); id != "" {
		return id, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := kv.Set(instanceNamespace, instanceKey, idStr); err != nil {
		return "", fmt.Errorf("persist instance ID: %w", err)
	}

	return idStr, nil
}

// ResolveClientID picks the MQTT client id: the configured value, else
// the hostname, else "blescanner-" and the last block of instanceID.
func ResolveClientID(configured, hostname, instanceID string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	if s := strings.TrimSpace(hostname); s != "" {
		return s
	}
	short := instanceID
	if i := strings.LastIndex(instanceID, "-"); i >= 0 {
		short = instanceID[i+1:]
	}
	return "blescanner-" + short
}
