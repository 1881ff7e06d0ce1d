package dicomdir

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	anonymousName = "Anonymous"
	anonymousID   = "99999"

	implicitVRLittleEndian = "1.2.840.10008.1.2"
	explicitVRBigEndian    = "1.2.840.10008.1.2.2"
	deflatedExplicitVR     = "1.2.840.10008.1.2.1.99"

	undefinedLength uint32 = 0xFFFFFFFF
)

var (
	tagItemDelimiter     = tag{0xFFFE, 0xE00D}
	tagSequenceDelimiter = tag{0xFFFE, 0xE0DD}
)

type replacement struct {
	vr    string
	value string
}

// anonymizedAttributes are overwritten wherever they appear at the top level
// of an exported dataset.
var anonymizedAttributes = map[tag]replacement{
	tagPatientName: {"PN", anonymousName},
	tagPatientID:   {"LO", anonymousID},
	tagStudyID:     {"SH", anonymousID},
}

var errTruncated = errors.New("truncated dataset")

func (t tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.group, t.element)
}

func (t tag) private() bool {
	return t.group%2 == 1 && t.group > 0x0008
}

// anonymizeFile rewrites the Part-10 file at path in place and returns its
// new size.
func anonymizeFile(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	out, err := anonymize(data)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return 0, err
	}
	return int64(len(out)), nil
}

// anonymize returns a copy of a Part-10 file with the identifying top level
// attributes replaced and private attributes removed. The file meta group is
// copied unchanged. Group length elements are dropped as the replacements
// invalidate them.
func anonymize(data []byte) ([]byte, error) {
	meta, start, ok := splitFileMeta(data)
	if !ok {
		return nil, errors.New("not a Part-10 file")
	}
	var implicit bool
	switch meta.TransferSyntax {
	case implicitVRLittleEndian:
		implicit = true
	case explicitVRBigEndian, deflatedExplicitVR:
		return nil, fmt.Errorf("transfer syntax %s is not supported", meta.TransferSyntax)
	}

	var out encoder
	out.buf.Grow(len(data))
	out.buf.Write(data[:start])

	body := data[start:]
	for off := 0; off < len(body); {
		h, err := readHeader(body[off:], implicit)
		if err != nil {
			return nil, err
		}
		n, err := valueLength(body[off+h.size:], h, implicit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.tag, err)
		}
		next := off + h.size + n

		r, replace := anonymizedAttributes[h.tag]
		switch {
		case h.tag.private(), h.tag.element == 0x0000:
			// dropped
		case replace && implicit:
			out.implicitStr(h.tag, r.vr, r.value)
		case replace:
			out.str(h.tag, h.vr, r.value)
		default:
			out.buf.Write(body[off:next])
		}
		off = next
	}
	return out.Bytes(), nil
}

type elementHeader struct {
	tag    tag
	vr     string
	length uint32
	size   int
}

// readHeader decodes the element header at the start of data. Item and
// delimiter headers carry no VR in either encoding.
func readHeader(data []byte, implicit bool) (elementHeader, error) {
	if len(data) < 8 {
		return elementHeader{}, errTruncated
	}
	h := elementHeader{tag: tag{binary.LittleEndian.Uint16(data), binary.LittleEndian.Uint16(data[2:])}}
	if implicit || h.tag.group == 0xFFFE {
		h.length = binary.LittleEndian.Uint32(data[4:])
		h.size = 8
		return h, nil
	}
	h.vr = string(data[4:6])
	if longVR(h.vr) {
		if len(data) < 12 {
			return elementHeader{}, errTruncated
		}
		h.length = binary.LittleEndian.Uint32(data[8:])
		h.size = 12
		return h, nil
	}
	h.length = uint32(binary.LittleEndian.Uint16(data[6:]))
	h.size = 8
	return h, nil
}

// valueLength returns the bytes taken by the value of h at the start of
// data, walking the items of undefined length values.
func valueLength(data []byte, h elementHeader, implicit bool) (int, error) {
	if h.length != undefinedLength {
		if uint64(h.length) > uint64(len(data)) {
			return 0, errTruncated
		}
		return int(h.length), nil
	}
	return sequenceLength(data, implicit)
}

// sequenceLength measures an undefined length sequence, or encapsulated pixel
// data, up to and including its delimiter.
func sequenceLength(data []byte, implicit bool) (int, error) {
	off := 0
	for {
		h, err := readHeader(data[off:], true)
		if err != nil {
			return 0, err
		}
		off += h.size
		switch h.tag {
		case tagSequenceDelimiter:
			return off, nil
		case tagItem:
			if h.length != undefinedLength {
				if uint64(h.length) > uint64(len(data)-off) {
					return 0, errTruncated
				}
				off += int(h.length)
				continue
			}
			n, err := itemLength(data[off:], implicit)
			if err != nil {
				return 0, err
			}
			off += n
		default:
			return 0, fmt.Errorf("unexpected %s in sequence", h.tag)
		}
	}
}

// itemLength measures an undefined length item up to and including its
// delimiter.
func itemLength(data []byte, implicit bool) (int, error) {
	off := 0
	for {
		h, err := readHeader(data[off:], implicit)
		if err != nil {
			return 0, err
		}
		off += h.size
		if h.tag == tagItemDelimiter {
			return off, nil
		}
		n, err := valueLength(data[off:], h, implicit)
		if err != nil {
			return 0, err
		}
		off += n
	}
}
