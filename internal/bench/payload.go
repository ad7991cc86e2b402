// Package bench holds the payload writer and reporting shared by the perf
// commands.
package bench

// Fill is the byte a full write sets every payload byte to.
const Fill = 0x2A

// BinaryPayload is a gocal.ModifiedWriter producing a constant-size binary
// payload. A full write fills the buffer with Fill; a modified write only
// patches one byte, so reused buffers cost almost nothing to refresh.
type BinaryPayload struct {
	size  int
	clock uint32
}

// NewBinaryPayload returns a writer for payloads of size bytes. Sizes below
// one are raised to one.
func NewBinaryPayload(size int) *BinaryPayload {
	return &BinaryPayload{size: max(size, 1)}
}

func (p *BinaryPayload) Size() int {
	return p.size
}

func (p *BinaryPayload) WriteFull(buf []byte) bool {
	if len(buf) < p.size {
		return false
	}
	for i := range buf[:p.size] {
		buf[i] = Fill
	}
	return true
}

// WriteModified overwrites byte clock%1024 (wrapped to the size) with the
// ASCII digit of clock%10 and advances the clock.
func (p *BinaryPayload) WriteModified(buf []byte) bool {
	if len(buf) < p.size {
		return false
	}
	idx := int(p.clock%1024) % p.size
	buf[idx] = '0' + byte(p.clock%10)
	p.clock++
	return true
}
