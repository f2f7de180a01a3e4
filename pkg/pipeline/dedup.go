package pipeline

import (
	"math/bits"
	"strconv"
	"sync"
)

// Hasher derives the compact similarity fingerprint for an image hash. The
// default reads the first 16 hex chars of the sha as a 64-bit integer; a
// real perceptual hash can be swapped in here.
type Hasher func(sha string) uint64

func defaultHasher(sha string) uint64 {
	if len(sha) < 16 {
		return 0
	}
	value, err := strconv.ParseUint(sha[:16], 16, 64)
	if err != nil {
		return 0
	}
	return value
}

// Detector finds duplicate images within one run, by exact hash and by
// fingerprint proximity.
type Detector struct {
	threshold int
	hasher    Hasher

	lock sync.Mutex
	seen map[string]uint64
}

// NewDetector builds a detector flagging fingerprints within threshold bits
// of a previously seen image.
func NewDetector(threshold int) *Detector {
	return &Detector{threshold: threshold, hasher: defaultHasher, seen: map[string]uint64{}}
}

// Check reports duplicate flags for sha against everything seen so far,
// then records it.
func (d *Detector) Check(sha string) []string {
	fingerprint := d.hasher(sha)
	d.lock.Lock()
	defer d.lock.Unlock()

	var flags []string
	if _, ok := d.seen[sha]; ok {
		flags = append(flags, "duplicate:sha256")
	} else {
		for _, prior := range d.seen {
			if bits.OnesCount64(prior^fingerprint) <= d.threshold {
				flags = append(flags, "duplicate:phash")
				break
			}
		}
	}
	d.seen[sha] = fingerprint
	return flags
}
