package router

import (
	"fmt"
	"strings"
)

const (
	messageTypePrefix = "MessageType="
	instancePrefix    = "Instance="
	keyNamePrefix     = "KeyName="
)

// PartitionKey identifies one stored column: a field of one message type
// for one physical instance.
type PartitionKey struct {
	MessageType string
	Instance    string
	KeyName     string
}

// Path returns the hive-style relative directory of the partition.
func (k PartitionKey) Path() string {
	return messageTypePrefix + sanitizeSegment(k.MessageType) + "/" +
		instancePrefix + sanitizeSegment(k.Instance) + "/" +
		keyNamePrefix + sanitizeSegment(k.KeyName)
}

func (k PartitionKey) String() string {
	return fmt.Sprintf("%s[%s].%s", k.MessageType, k.Instance, k.KeyName)
}

// ParsePath parses a path produced by Path. Leading directories are ignored.
func ParsePath(path string) (PartitionKey, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 {
		return PartitionKey{}, fmt.Errorf("invalid partition path: %s", path)
	}
	parts = parts[len(parts)-3:]

	var k PartitionKey
	var ok bool
	if k.MessageType, ok = strings.CutPrefix(parts[0], messageTypePrefix); !ok {
		return PartitionKey{}, fmt.Errorf("invalid partition path: %s", path)
	}
	if k.Instance, ok = strings.CutPrefix(parts[1], instancePrefix); !ok {
		return PartitionKey{}, fmt.Errorf("invalid partition path: %s", path)
	}
	if k.KeyName, ok = strings.CutPrefix(parts[2], keyNamePrefix); !ok {
		return PartitionKey{}, fmt.Errorf("invalid partition path: %s", path)
	}
	return k, nil
}

// sanitizeSegment keeps a value usable as a single path segment.
func sanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	if s == "." || s == ".." {
		return strings.Repeat("_", len(s))
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '=', 0:
			return '_'
		}
		return r
	}, s)
}
