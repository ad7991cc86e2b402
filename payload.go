package gocal

import (
	"github.com/fxsml/gocal/transport"
)

// Timestamp selects the send timestamp: Auto or Explicit(ns).
type Timestamp = transport.Timestamp

// Auto lets the transport assign the send time.
var Auto = transport.Auto

// Explicit uses ns, nanoseconds since the Unix epoch, as send time.
func Explicit(ns uint64) Timestamp {
	return transport.Explicit(ns)
}

// PayloadWriter fills a transport buffer in place.
//
// Size is called once per send and must return the exact payload length;
// the buffer handed to WriteFull has exactly that length. WriteFull must
// write every byte it considers part of the message. Returning false
// abandons the send.
//
// A PayloadWriter is owned by the caller and may keep state across sends.
// It is invoked synchronously from the sending goroutine and never
// concurrently by the same publisher.
type PayloadWriter interface {
	Size() int
	WriteFull(buf []byte) bool
}

// ModifiedWriter is a PayloadWriter that can patch a buffer which still
// holds its previous successful write. WriteModified is only invoked when
// the transport reuses such a buffer with the same size; otherwise
// WriteFull is used.
type ModifiedWriter interface {
	PayloadWriter
	WriteModified(buf []byte) bool
}

// SendResult reports the outcome of a send.
type SendResult struct {
	// Delivered is the number of subscribers the buffer was handed to.
	Delivered int
	// Skipped is true when the payload writer declined to write. Nothing
	// was published.
	Skipped bool
}

type fullOnly struct {
	PayloadWriter
}

// FullOnly hides the WriteModified method of w, so every send performs a
// full write.
func FullOnly(w PayloadWriter) PayloadWriter {
	if f, ok := w.(fullOnly); ok {
		return f
	}
	return fullOnly{PayloadWriter: w}
}

// fillFunc adapts w to the transport. A panic in w is stored in perr and
// abandons the send.
func payloadSize(w PayloadWriter) (size int, err error) {
	defer recoverInto(&err)
	return w.Size(), nil
}

func fillFunc(w PayloadWriter, perr *error) transport.FillFunc {
	mw, modified := w.(ModifiedWriter)
	return func(buf []byte, reused bool) (ok bool) {
		defer func() {
			if *perr != nil {
				ok = false
			}
		}()
		defer recoverInto(perr)
		if reused && modified {
			return mw.WriteModified(buf)
		}
		return w.WriteFull(buf)
	}
}
