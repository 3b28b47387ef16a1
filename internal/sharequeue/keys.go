package sharequeue

import (
	"encoding/binary"
	"regexp"

	"github.com/rzbill/sharepipe/pkg/id"
)

// Key prefixes under sq/{topic}/
const (
	keyMeta        = "meta"
	prefixMsg      = "msg/"       // framed record
	prefixRef      = "ref/"       // groups still owing an outcome
	prefixGroup    = "grp/"       // registered share groups
	prefixAvail    = "avail/"     // available per group
	prefixLease    = "lease/"     // in-flight per group
	prefixLeaseIdx = "lease_idx/" // lease expiry index per group
	prefixDLQ      = "dlq/"       // archived per group
)

// Topic and group names share Kafka's legal character set, which keeps "/"
// out of every key segment.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,249}$`)

func validName(s string) bool { return nameRe.MatchString(s) }

// topicPrefix returns the base prefix for a topic.
// Format: sq/{topic}/
func topicPrefix(topic string) string { return "sq/" + topic + "/" }

// metaKey format: sq/{topic}/meta
func metaKey(topic string) []byte { return []byte(topicPrefix(topic) + keyMeta) }

// msgPrefix format: sq/{topic}/msg/
func msgPrefix(topic string) string { return topicPrefix(topic) + prefixMsg }

// msgKey format: sq/{topic}/msg/{id}
func msgKey(topic string, msgID id.ID) []byte { return withID(msgPrefix(topic), msgID) }

// refKey format: sq/{topic}/ref/{id}
func refKey(topic string, msgID id.ID) []byte { return withID(topicPrefix(topic)+prefixRef, msgID) }

// groupPrefix format: sq/{topic}/grp/
func groupPrefix(topic string) string { return topicPrefix(topic) + prefixGroup }

// groupKey format: sq/{topic}/grp/{group}
func groupKey(topic, group string) []byte { return []byte(groupPrefix(topic) + group) }

// availPrefix format: sq/{topic}/avail/{group}/
func availPrefix(topic, group string) string { return topicPrefix(topic) + prefixAvail + group + "/" }

// availKey format: sq/{topic}/avail/{group}/{id}
func availKey(topic, group string, msgID id.ID) []byte {
	return withID(availPrefix(topic, group), msgID)
}

// leasePrefix format: sq/{topic}/lease/{group}/
func leasePrefix(topic, group string) string { return topicPrefix(topic) + prefixLease + group + "/" }

// leaseKey format: sq/{topic}/lease/{group}/{id}
func leaseKey(topic, group string, msgID id.ID) []byte {
	return withID(leasePrefix(topic, group), msgID)
}

// leaseIdxPrefix format: sq/{topic}/lease_idx/{group}/
func leaseIdxPrefix(topic, group string) string {
	return topicPrefix(topic) + prefixLeaseIdx + group + "/"
}

// leaseIdxKey format: sq/{topic}/lease_idx/{group}/{expires_ms}{id}
func leaseIdxKey(topic, group string, expiresMs int64, msgID id.ID) []byte {
	prefix := leaseIdxPrefix(topic, group)
	key := make([]byte, len(prefix)+8+len(msgID))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	copy(key[len(prefix)+8:], msgID[:])
	return key
}

// dlqPrefix format: sq/{topic}/dlq/{group}/
func dlqPrefix(topic, group string) string { return topicPrefix(topic) + prefixDLQ + group + "/" }

// dlqKey format: sq/{topic}/dlq/{group}/{id}
func dlqKey(topic, group string, msgID id.ID) []byte { return withID(dlqPrefix(topic, group), msgID) }

func withID(prefix string, msgID id.ID) []byte {
	key := make([]byte, len(prefix)+len(msgID))
	copy(key, prefix)
	copy(key[len(prefix):], msgID[:])
	return key
}

// keyRange returns start and end keys for scanning with a prefix.
// The end key is exclusive (prefix + 0xFF suffix).
func keyRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return start, end
}

// idFromKey extracts the trailing message ID of any per-message key.
func idFromKey(key []byte) (id.ID, bool) {
	var msgID id.ID
	if len(key) < len(msgID) {
		return id.ID{}, false
	}
	copy(msgID[:], key[len(key)-len(msgID):])
	return msgID, true
}

// expiryFromIdxKey extracts expires_ms from a lease index key.
func expiryFromIdxKey(key []byte, prefixLen int) (int64, bool) {
	if len(key) != prefixLen+8+len(id.ID{}) {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8])), true
}
