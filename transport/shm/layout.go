package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/url"
	"path/filepath"
	"strings"
)

// Memfile header layout (64 bytes, little-endian):
//
//	[8]byte magic     // "GOCALSHM"
//	uint32  version
//	uint32  state     // 1 when the payload is valid
//	uint64  seq       // bumped after every write attempt
//	uint64  size      // payload length
//	uint64  capacity  // payload capacity
//	int64   timestamp
//	int64   clock
//	uint32  acks       // subscribers done with the current seq, native endian
//	uint32  generation // bumped whenever the memfile grows
const (
	headerSize = 64
	version    = 1

	offMagic      = 0
	offVersion    = 8
	offState      = 12
	offSeq        = 16
	offSize       = 24
	offCapacity   = 32
	offTimestamp  = 40
	offClock      = 48
	offAcks       = 56
	offGeneration = 60

	stateInvalid = 0
	stateValid   = 1
)

var magic = [8]byte{'G', 'O', 'C', 'A', 'L', 'S', 'H', 'M'}

var (
	errBadHeader       = errors.New("shm: bad memfile header")
	errBadRegistration = errors.New("shm: bad registration")
)

// header is a decoded memfile header.
type header struct {
	state      uint32
	seq        uint64
	size       uint64
	capacity   uint64
	timestamp  int64
	clock      int64
	generation uint32
}

func initHeader(b []byte, capacity uint64) {
	copy(b[offMagic:], magic[:])
	binary.LittleEndian.PutUint32(b[offVersion:], version)
	binary.LittleEndian.PutUint32(b[offState:], stateInvalid)
	binary.LittleEndian.PutUint64(b[offSeq:], 0)
	binary.LittleEndian.PutUint64(b[offSize:], 0)
	binary.LittleEndian.PutUint64(b[offCapacity:], capacity)
}

func readHeader(b []byte) (header, error) {
	if len(b) < headerSize {
		return header{}, fmt.Errorf("%w: %d bytes", errBadHeader, len(b))
	}
	if [8]byte(b[offMagic:offMagic+8]) != magic {
		return header{}, fmt.Errorf("%w: bad magic", errBadHeader)
	}
	if v := binary.LittleEndian.Uint32(b[offVersion:]); v != version {
		return header{}, fmt.Errorf("%w: version %d", errBadHeader, v)
	}
	return header{
		state:     binary.LittleEndian.Uint32(b[offState:]),
		seq:       binary.LittleEndian.Uint64(b[offSeq:]),
		size:      binary.LittleEndian.Uint64(b[offSize:]),
		capacity:  binary.LittleEndian.Uint64(b[offCapacity:]),
		timestamp: int64(binary.LittleEndian.Uint64(b[offTimestamp:])),
		clock:     int64(binary.LittleEndian.Uint64(b[offClock:])),

		generation: binary.LittleEndian.Uint32(b[offGeneration:]),
	}, nil
}

// commit publishes a write. The sequence number is written last.
func commit(b []byte, h header) {
	binary.LittleEndian.PutUint32(b[offState:], h.state)
	binary.LittleEndian.PutUint64(b[offSize:], h.size)
	binary.LittleEndian.PutUint64(b[offTimestamp:], uint64(h.timestamp))
	binary.LittleEndian.PutUint64(b[offClock:], uint64(h.clock))
	binary.LittleEndian.PutUint32(b[offAcks:], 0)
	binary.LittleEndian.PutUint64(b[offSeq:], h.seq)
}

// capacityFor returns the payload capacity for size: the next power of two,
// at least minCap.
func capacityFor(size, minCap int) uint64 {
	if size <= minCap {
		return uint64(minCap)
	}
	return 1 << bits.Len64(uint64(size-1))
}

// topicDir escapes name into a single path element.
func topicDir(name string) string {
	return "t_" + url.PathEscape(name)
}

// validID reports whether id, read from a peer's registration, names a
// single file in the topic directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id && !strings.ContainsRune(id, '\\')
}

func memfileName(id string, n int) string {
	return fmt.Sprintf("pub_%s_%d.mem", id, n)
}

func registrationName(kind, id string) string {
	return kind + "_" + id + ".reg"
}
