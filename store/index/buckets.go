package index

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketStudies      = []byte("studies")        // studyUID -> protowire Entry
	bucketByLastViewed = []byte("studies_by_view") // timestamp+studyUID -> studyUID (LRU index)
	bucketViewByStudy  = []byte("view_by_study")   // studyUID -> 8-byte timestamp (reverse index for O(1) delete)
	bucketMeta         = []byte("meta")            // counters and settings
)

// allBuckets lists buckets in the order they are dumped.
var allBuckets = [][]byte{bucketMeta, bucketStudies, bucketByLastViewed, bucketViewByStudy}

// Keys within bucketMeta.
var (
	metaUsedBytes     = []byte("used_bytes")
	metaEntryCount    = []byte("entry_count")
	metaMaxSize       = []byte("max_size")
	metaRetentionDays = []byte("retention_days")
	metaSchema        = []byte("schema")
)

const schemaVersion = 1

// encodeTimestamp converts t to a fixed-width big-endian key that sorts
// chronologically, including pre-1970 values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	ns := int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeViewKey creates a key for the studies_by_view index.
// Format: [8-byte timestamp][studyUID]
func makeViewKey(viewed time.Time, studyUID string) []byte {
	key := make([]byte, 8+len(studyUID))
	copy(key[:8], encodeTimestamp(viewed))
	copy(key[8:], studyUID)
	return key
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)) //nolint:gosec // round-trips through decodeInt64
	return buf
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b)) //nolint:gosec // round-trips through encodeInt64
}
