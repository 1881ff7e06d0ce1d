package index

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Entry field numbers. Fields are written in ascending order and zero values
// are omitted, so equal entries always encode to equal bytes.
const (
	fieldStudyUID     protowire.Number = 1
	fieldRelPath      protowire.Number = 2
	fieldSize         protowire.Number = 3
	fieldInstances    protowire.Number = 4
	fieldStoredAt     protowire.Number = 5
	fieldLastViewedAt protowire.Number = 6
	fieldPatientID    protowire.Number = 7
	fieldPatientName  protowire.Number = 8
	fieldStudyDate    protowire.Number = 9
	fieldDescription  protowire.Number = 10
)

func marshalEntry(e *Entry) []byte {
	var b []byte
	b = appendString(b, fieldStudyUID, e.StudyUID)
	b = appendString(b, fieldRelPath, e.RelPath)
	b = appendVarint(b, fieldSize, uint64(e.Size)) //nolint:gosec // sizes are non-negative
	b = appendVarint(b, fieldInstances, uint64(e.Instances))
	b = appendTime(b, fieldStoredAt, e.StoredAt)
	b = appendTime(b, fieldLastViewedAt, e.LastViewedAt)
	b = appendString(b, fieldPatientID, e.PatientID)
	b = appendString(b, fieldPatientName, e.PatientName)
	b = appendString(b, fieldStudyDate, e.StudyDate)
	b = appendString(b, fieldDescription, e.Description)
	return b
}

func unmarshalEntry(data []byte) (*Entry, error) {
	e := &Entry{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decoding tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && isStringField(num):
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(m))
			}
			setString(e, num, v)
			n = m
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("decoding field %d: %w", num, protowire.ParseError(m))
			}
			setVarint(e, num, v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skipping field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if e.StudyUID == "" {
		return nil, fmt.Errorf("entry has no study uid")
	}
	return e, nil
}

func isStringField(num protowire.Number) bool {
	switch num {
	case fieldStudyUID, fieldRelPath, fieldPatientID, fieldPatientName, fieldStudyDate, fieldDescription:
		return true
	}
	return false
}

func setString(e *Entry, num protowire.Number, v string) {
	switch num {
	case fieldStudyUID:
		e.StudyUID = v
	case fieldRelPath:
		e.RelPath = v
	case fieldPatientID:
		e.PatientID = v
	case fieldPatientName:
		e.PatientName = v
	case fieldStudyDate:
		e.StudyDate = v
	case fieldDescription:
		e.Description = v
	}
}

func setVarint(e *Entry, num protowire.Number, v uint64) {
	switch num {
	case fieldSize:
		e.Size = int64(v) //nolint:gosec // written from a non-negative int64
	case fieldInstances:
		e.Instances = int(v) //nolint:gosec // written from a non-negative int
	case fieldStoredAt:
		e.StoredAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
	case fieldLastViewedAt:
		e.LastViewedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, protowire.EncodeZigZag(t.UnixNano()))
}
