package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/fxsml/gocal"
)

// Report prints a throughput block for s to w. size is the payload size
// printed in the header; zero uses the average bytes per message.
func Report(w io.Writer, s *gocal.SnapshotMetrics, size int) {
	if s.Total == 0 {
		fmt.Fprintf(w, "No messages in %v\n\n", s.Duration.Round(time.Millisecond))
		return
	}
	if size <= 0 {
		size = int(s.Bytes / int64(s.Total))
	}
	kb := s.BytesPerSecond() / 1024
	secs := s.Duration.Seconds()

	fmt.Fprintf(w, "Payload size      : %d kB\n", size/1024)
	fmt.Fprintf(w, "Throughput (kB/s) : %.0f\n", kb)
	fmt.Fprintf(w, "Throughput (MB/s) : %.2f\n", kb/1024)
	fmt.Fprintf(w, "Throughput (GB/s) : %.3f\n", kb/1024/1024)
	fmt.Fprintf(w, "Messages/s        : %.0f\n", s.MessagesPerSecond())
	fmt.Fprintf(w, "Latency (µs)      : %.2f\n", secs*1e6/float64(s.Total))
	if s.FailureTotal+s.DropTotal+s.SkipTotal > 0 {
		fmt.Fprintf(w, "Failed/Dropped/Skipped : %d/%d/%d\n", s.FailureTotal, s.DropTotal, s.SkipTotal)
	}
	fmt.Fprintln(w)
}
