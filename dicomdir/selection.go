package dicomdir

import (
	"slices"
	"strings"
	"sync"

	pacscache "github.com/wolfeidau/pacs-cache"
)

// DeviceKind is the kind of medium an export is written to.
type DeviceKind string

const (
	CD       DeviceKind = "cd"
	DVD      DeviceKind = "dvd"
	HardDisk DeviceKind = "hard_disk"
	USB      DeviceKind = "usb"
)

// ParseDeviceKind accepts the kind names case-insensitively.
func ParseDeviceKind(s string) (DeviceKind, error) {
	k := DeviceKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case CD, DVD, HardDisk, USB:
		return k, nil
	case "hdd", "disk":
		return HardDisk, nil
	}
	return "", pacscache.Invalid("device", "unknown device %q", s)
}

// PathDefined reports whether the device's capacity is the free space of its
// destination path rather than a fixed size.
func (k DeviceKind) PathDefined() bool {
	return k == HardDisk || k == USB
}

type selectedStudy struct {
	uid  string
	size int64
}

// Selection is the set of cached studies chosen for one export. Studies are
// pinned in the cache while they are selected.
type Selection struct {
	kind     DeviceKind
	capacity int64

	mu      sync.Mutex
	studies []selectedStudy
	size    int64
	closed  bool
}

// Kind returns the target device kind.
func (s *Selection) Kind() DeviceKind { return s.kind }

// Capacity returns the byte limit, or 0 for path-defined devices.
func (s *Selection) Capacity() int64 { return s.capacity }

// Size returns the total size of the selected studies.
func (s *Selection) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Studies returns the selected study UIDs in the order they were added.
func (s *Selection) Studies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]string, len(s.studies))
	for i, st := range s.studies {
		uids[i] = st.uid
	}
	return uids
}

func (s *Selection) indexOf(uid string) int {
	return slices.IndexFunc(s.studies, func(st selectedStudy) bool { return st.uid == uid })
}

func (s *Selection) checkOpen() error {
	if s.closed {
		return ErrSelectionClosed
	}
	return nil
}
