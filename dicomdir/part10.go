package dicomdir

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"
)

const (
	preambleSize = 128
	magic        = "DICM"

	mediaStorageDirectorySOPClass = "1.2.840.10008.1.3.10"
	explicitVRLittleEndian        = "1.2.840.10008.1.2.1"
	implementationClassUID        = "2.25.212737386403497924434417935498613106307"
	implementationVersion         = "PACSCACHE_1"
)

type tag struct {
	group   uint16
	element uint16
}

var (
	tagFileMetaGroupLength   = tag{0x0002, 0x0000}
	tagFileMetaVersion       = tag{0x0002, 0x0001}
	tagMediaStorageSOPClass  = tag{0x0002, 0x0002}
	tagMediaStorageSOPInst   = tag{0x0002, 0x0003}
	tagTransferSyntax        = tag{0x0002, 0x0010}
	tagImplementationClass   = tag{0x0002, 0x0012}
	tagImplementationVersion = tag{0x0002, 0x0013}

	tagFileSetID            = tag{0x0004, 0x1130}
	tagFirstRootRecord      = tag{0x0004, 0x1200}
	tagLastRootRecord       = tag{0x0004, 0x1202}
	tagFileSetConsistency   = tag{0x0004, 0x1212}
	tagDirectoryRecordSeq   = tag{0x0004, 0x1220}
	tagNextRecord           = tag{0x0004, 0x1400}
	tagRecordInUse          = tag{0x0004, 0x1410}
	tagLowerLevelRecord     = tag{0x0004, 0x1420}
	tagRecordType           = tag{0x0004, 0x1430}
	tagReferencedFileID     = tag{0x0004, 0x1500}
	tagReferencedSOPClass   = tag{0x0004, 0x1510}
	tagReferencedSOPInst    = tag{0x0004, 0x1511}
	tagReferencedTransferSx = tag{0x0004, 0x1512}

	tagStudyDate         = tag{0x0008, 0x0020}
	tagModality          = tag{0x0008, 0x0060}
	tagStudyDescription  = tag{0x0008, 0x1030}
	tagPatientName       = tag{0x0010, 0x0010}
	tagPatientID         = tag{0x0010, 0x0020}
	tagStudyInstanceUID  = tag{0x0020, 0x000D}
	tagSeriesInstanceUID = tag{0x0020, 0x000E}
	tagStudyID           = tag{0x0020, 0x0010}
	tagSeriesNumber      = tag{0x0020, 0x0011}
	tagInstanceNumber    = tag{0x0020, 0x0013}

	tagItem = tag{0xFFFE, 0xE000}
)

// encoder writes explicit VR little endian elements.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) header(t tag, vr string, length int) {
	var b [12]byte
	binary.LittleEndian.PutUint16(b[0:], t.group)
	binary.LittleEndian.PutUint16(b[2:], t.element)
	copy(b[4:6], vr)
	if longVR(vr) {
		binary.LittleEndian.PutUint32(b[8:], uint32(length))
		e.buf.Write(b[:12])
		return
	}
	binary.LittleEndian.PutUint16(b[6:], uint16(length))
	e.buf.Write(b[:8])
}

// longVR reports whether vr has a 4 byte length field in explicit VR
// encodings.
func longVR(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}

// pad returns value padded to even length. UIDs and binary values pad with
// NUL, text with a space.
func pad(vr, value string) string {
	if len(value)%2 == 0 {
		return value
	}
	if vr == "UI" || vr == "OB" {
		return value + "\x00"
	}
	return value + " "
}

// str writes a string element padded to even length.
func (e *encoder) str(t tag, vr, value string) {
	value = pad(vr, value)
	e.header(t, vr, len(value))
	e.buf.WriteString(value)
}

// implicitStr writes a string element without a VR field, as implicit VR
// little endian datasets do.
func (e *encoder) implicitStr(t tag, vr, value string) {
	value = pad(vr, value)
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], t.group)
	binary.LittleEndian.PutUint16(b[2:], t.element)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(value)))
	e.buf.Write(b[:])
	e.buf.WriteString(value)
}

func (e *encoder) ul(t tag, v uint32) {
	e.header(t, "UL", 4)
	_ = binary.Write(&e.buf, binary.LittleEndian, v)
}

func (e *encoder) us(t tag, v uint16) {
	e.header(t, "US", 2)
	_ = binary.Write(&e.buf, binary.LittleEndian, v)
}

func (e *encoder) item(body []byte) {
	var b [8]byte
	binary.LittleEndian.PutUint16(b[0:], tagItem.group)
	binary.LittleEndian.PutUint16(b[2:], tagItem.element)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(body)))
	e.buf.Write(b[:])
	e.buf.Write(body)
}

func (e *encoder) Len() int      { return e.buf.Len() }
func (e *encoder) Bytes() []byte { return e.buf.Bytes() }

// fileMeta encodes the group 0002 header of a DICOMDIR, preamble included.
func fileMeta(sopInstanceUID string) []byte {
	var body encoder
	body.str(tagFileMetaVersion, "OB", "\x00\x01")
	body.str(tagMediaStorageSOPClass, "UI", mediaStorageDirectorySOPClass)
	body.str(tagMediaStorageSOPInst, "UI", sopInstanceUID)
	body.str(tagTransferSyntax, "UI", explicitVRLittleEndian)
	body.str(tagImplementationClass, "UI", implementationClassUID)
	body.str(tagImplementationVersion, "SH", implementationVersion)

	var out encoder
	out.buf.Write(make([]byte, preambleSize))
	out.buf.WriteString(magic)
	out.ul(tagFileMetaGroupLength, uint32(body.Len()))
	out.buf.Write(body.Bytes())
	return out.Bytes()
}

// instanceMeta is what a DICOMDIR image record needs from a Part-10 file.
type instanceMeta struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// readInstanceMeta parses the file meta group of a Part-10 file. ok is false
// when the file has no DICM preamble.
func readInstanceMeta(path string) (instanceMeta, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return instanceMeta{}, false, err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 4096)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return instanceMeta{}, false, err
	}
	meta, ok := parseFileMeta(head[:n])
	return meta, ok, nil
}

func parseFileMeta(data []byte) (instanceMeta, bool) {
	meta, _, ok := splitFileMeta(data)
	return meta, ok
}

// splitFileMeta parses the file meta group and returns the offset of the
// dataset that follows it.
func splitFileMeta(data []byte) (instanceMeta, int, bool) {
	if len(data) < preambleSize+len(magic) || string(data[preambleSize:preambleSize+len(magic)]) != magic {
		return instanceMeta{}, 0, false
	}

	var meta instanceMeta
	offset := preambleSize + len(magic)
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset:])
		element := binary.LittleEndian.Uint16(data[offset+2:])
		if group != 0x0002 {
			break
		}
		vr := string(data[offset+4 : offset+6])

		var length, hdr int
		if longVR(vr) {
			if offset+12 > len(data) {
				return meta, offset, true
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8:]))
			hdr = 12
		} else {
			length = int(binary.LittleEndian.Uint16(data[offset+6:]))
			hdr = 8
		}
		if length < 0 || offset+hdr+length > len(data) {
			break
		}
		offset += hdr

		value := strings.TrimRight(string(data[offset:offset+length]), "\x00 ")
		switch (tag{group, element}) {
		case tagMediaStorageSOPClass:
			meta.SOPClassUID = value
		case tagMediaStorageSOPInst:
			meta.SOPInstanceUID = value
		case tagTransferSyntax:
			meta.TransferSyntax = value
		}
		offset += length
	}
	return meta, offset, true
}
