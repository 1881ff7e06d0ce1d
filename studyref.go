package pacscache

import (
	"fmt"
	"strings"
)

// MaxUIDLength is the maximum length of a DICOM unique identifier.
const MaxUIDLength = 64

// ValidateUID checks that s is a syntactically valid DICOM UID: dot separated
// numeric components, no empty component, no leading zero in a
// multi-digit component.
func ValidateUID(field, s string) error {
	if s == "" {
		return Invalid(field, "must not be empty")
	}
	if len(s) > MaxUIDLength {
		return Invalid(field, "%q exceeds %d characters", s, MaxUIDLength)
	}
	for _, comp := range strings.Split(s, ".") {
		if comp == "" {
			return Invalid(field, "%q has an empty component", s)
		}
		if len(comp) > 1 && comp[0] == '0' {
			return Invalid(field, "%q has a component with a leading zero", s)
		}
		for i := 0; i < len(comp); i++ {
			if comp[i] < '0' || comp[i] > '9' {
				return Invalid(field, "%q contains %q", s, comp[i])
			}
		}
	}
	return nil
}

// InstanceRef identifies one stored SOP instance.
type InstanceRef struct {
	StudyUID       string
	SeriesUID      string
	SOPInstanceUID string
}

// Storage key layout.

const (
	studyKeyPrefix   = "studies"
	stagingKeyPrefix = "incoming"
	instanceExt      = ".dcm"
)

// StudiesRoot and StagingRoot are the top level directories of the cache volume.
const (
	StudiesRoot = studyKeyPrefix
	StagingRoot = stagingKeyPrefix
)

// StudyPrefix returns the backend key prefix holding a study.
// Format: studies/{blake3(uid)[:2]}/{uid}
func StudyPrefix(studyUID string) string {
	return studyKeyPrefix + "/" + HashBytes([]byte(studyUID)).Shard() + "/" + studyUID
}

// InstanceKey returns the backend key for an instance of a committed study.
// Format: studies/{shard}/{study}/{series}/{sop}.dcm
func InstanceKey(ref InstanceRef) string {
	return StudyPrefix(ref.StudyUID) + "/" + ref.SeriesUID + "/" + ref.SOPInstanceUID + instanceExt
}

// StagingPrefix returns the key prefix of a reservation's private area.
func StagingPrefix(reservationID string) string {
	return stagingKeyPrefix + "/" + reservationID
}

// StagingKey returns the key of an instance written under a reservation.
// Format: incoming/{reservation}/{series}/{sop}.dcm
func StagingKey(reservationID, seriesUID, sopUID string) string {
	return StagingPrefix(reservationID) + "/" + seriesUID + "/" + sopUID + instanceExt
}

// ParseInstanceKey extracts the instance identity from a committed study key.
func ParseInstanceKey(key string) (InstanceRef, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != studyKeyPrefix {
		return InstanceRef{}, fmt.Errorf("invalid instance key format: %s", key)
	}
	sop, ok := strings.CutSuffix(parts[4], instanceExt)
	if !ok || sop == "" {
		return InstanceRef{}, fmt.Errorf("invalid instance file name: %s", key)
	}
	if parts[1] != HashBytes([]byte(parts[2])).Shard() {
		return InstanceRef{}, fmt.Errorf("instance key in wrong shard: %s", key)
	}
	return InstanceRef{StudyUID: parts[2], SeriesUID: parts[3], SOPInstanceUID: sop}, nil
}

// ParseStagingKey extracts series and SOP instance UIDs from a staging key.
func ParseStagingKey(key string) (reservationID, seriesUID, sopUID string, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != stagingKeyPrefix {
		return "", "", "", fmt.Errorf("invalid staging key format: %s", key)
	}
	sop, ok := strings.CutSuffix(parts[3], instanceExt)
	if !ok || sop == "" {
		return "", "", "", fmt.Errorf("invalid staging file name: %s", key)
	}
	return parts[1], parts[2], sop, nil
}
