package dicomdir

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// fileSetID names the file set on the medium.
const fileSetID = "PACS_CACHE"

type recordKind string

const (
	patientRecord recordKind = "PATIENT"
	studyRecord   recordKind = "STUDY"
	seriesRecord  recordKind = "SERIES"
	imageRecord   recordKind = "IMAGE"
)

// record is one directory record. Records are laid out depth first; next
// links siblings and child points at the first lower level record.
type record struct {
	kind     recordKind
	attrs    func(e *encoder)
	children []*record

	offset uint32
	size   int
}

func (r *record) encode(next, child uint32) []byte {
	var e encoder
	e.ul(tagNextRecord, next)
	e.us(tagRecordInUse, 0xFFFF)
	e.ul(tagLowerLevelRecord, child)
	e.str(tagRecordType, "CS", string(r.kind))
	r.attrs(&e)
	return e.Bytes()
}

// patientKey groups studies of the same patient under one record.
type patientKey struct {
	id   string
	name string
}

// buildRecords turns the staged layout into the PATIENT/STUDY/SERIES/IMAGE
// hierarchy.
func buildRecords(studies []*stagedStudy) []*record {
	var patients []*record
	byKey := make(map[patientKey]*record)

	for _, st := range studies {
		key := patientKey{id: st.PatientID, name: st.PatientName}
		patient, ok := byKey[key]
		if !ok {
			id, name := key.id, key.name
			patient = &record{kind: patientRecord, attrs: func(e *encoder) {
				e.str(tagPatientName, "PN", name)
				e.str(tagPatientID, "LO", id)
			}}
			byKey[key] = patient
			patients = append(patients, patient)
		}

		study := &record{kind: studyRecord, attrs: func(e *encoder) {
			e.str(tagStudyDate, "DA", st.StudyDate)
			e.str(tagStudyDescription, "LO", st.Description)
			e.str(tagStudyInstanceUID, "UI", st.StudyUID)
			e.str(tagStudyID, "SH", st.StudyID)
		}}
		patient.children = append(patient.children, study)

		for i, se := range st.Series {
			number := i + 1
			series := &record{kind: seriesRecord, attrs: func(e *encoder) {
				e.str(tagModality, "CS", "OT")
				e.str(tagSeriesInstanceUID, "UI", se.SeriesUID)
				e.str(tagSeriesNumber, "IS", strconv.Itoa(number))
			}}
			study.children = append(study.children, series)

			for j, im := range se.Images {
				number := j + 1
				series.children = append(series.children, &record{kind: imageRecord, attrs: func(e *encoder) {
					e.str(tagReferencedFileID, "CS", im.FileID)
					if im.Meta.SOPClassUID != "" {
						e.str(tagReferencedSOPClass, "UI", im.Meta.SOPClassUID)
					}
					sop := im.Meta.SOPInstanceUID
					if sop == "" {
						sop = im.SOPInstanceUID
					}
					e.str(tagReferencedSOPInst, "UI", sop)
					if im.Meta.TransferSyntax != "" {
						e.str(tagReferencedTransferSx, "UI", im.Meta.TransferSyntax)
					}
					e.str(tagInstanceNumber, "IS", strconv.Itoa(number))
				}})
			}
		}
	}
	return patients
}

// flatten lists records in the order they are written.
func flatten(records []*record) []*record {
	var out []*record
	for _, r := range records {
		out = append(out, r)
		out = append(out, flatten(r.children)...)
	}
	return out
}

func linkOffsets(siblings []*record, i int) (next, child uint32) {
	if i+1 < len(siblings) {
		next = siblings[i+1].offset
	}
	if kids := siblings[i].children; len(kids) > 0 {
		child = kids[0].offset
	}
	return next, child
}

// encodeDICOMDIR renders the DICOMDIR file for the given root records.
// Record offsets count from the first byte of the file.
func encodeDICOMDIR(roots []*record) ([]byte, error) {
	meta := fileMeta(newUID())

	// Offset fields have a fixed width, so sizes can be measured before the
	// offsets are known.
	all := flatten(roots)
	var seqLen int
	for _, r := range all {
		r.size = 8 + len(r.encode(0, 0))
		seqLen += r.size
	}

	var head encoder
	head.str(tagFileSetID, "CS", fileSetID)
	head.ul(tagFirstRootRecord, 0)
	head.ul(tagLastRootRecord, 0)
	head.us(tagFileSetConsistency, 0)
	head.header(tagDirectoryRecordSeq, "SQ", seqLen)

	pos := len(meta) + head.Len()
	if pos+seqLen > int(^uint32(0)) {
		return nil, fmt.Errorf("directory of %d bytes exceeds 4GiB", pos+seqLen)
	}
	for _, r := range all {
		r.offset = uint32(pos)
		pos += r.size
	}

	var first, last uint32
	if len(roots) > 0 {
		first, last = roots[0].offset, roots[len(roots)-1].offset
	}
	var ds encoder
	ds.str(tagFileSetID, "CS", fileSetID)
	ds.ul(tagFirstRootRecord, first)
	ds.ul(tagLastRootRecord, last)
	ds.us(tagFileSetConsistency, 0)
	ds.header(tagDirectoryRecordSeq, "SQ", seqLen)

	var walk func(siblings []*record)
	walk = func(siblings []*record) {
		for i, r := range siblings {
			next, child := linkOffsets(siblings, i)
			ds.item(r.encode(next, child))
			walk(r.children)
		}
	}
	walk(roots)

	out := make([]byte, 0, len(meta)+ds.Len())
	out = append(out, meta...)
	return append(out, ds.Bytes()...), nil
}

// newUID derives a DICOM UID from a random UUID (the 2.25 root).
func newUID() string {
	id := uuid.New()
	return "2.25." + new(big.Int).SetBytes(id[:]).String()
}
