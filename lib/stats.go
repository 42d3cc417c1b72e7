package lib

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats counts segment traffic for one endpoint. It is shared by all the
// sessions of that endpoint, so every field is atomic.
type Stats struct {
	SegmentsSent   atomic.Int64 // every datagram written, retransmissions included
	Retransmits    atomic.Int64 // window resends triggered by timeout, refusal or stale ACK
	SegmentsAcked  atomic.Int64 // data segments confirmed by cumulative ACKs
	Refusals       atomic.Int64 // refusals sent (receiver) or observed (sender)
	CorruptDropped atomic.Int64 // datagrams that failed the checksum or could not be parsed
	BytesSent      atomic.Int64 // payload bytes written
	BytesRecv      atomic.Int64 // payload bytes accepted in order
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) AddSent(payload int) {
	s.SegmentsSent.Add(1)
	s.BytesSent.Add(int64(payload))
}

func (s *Stats) AddRecv(payload int) { s.BytesRecv.Add(int64(payload)) }
func (s *Stats) AddRetransmit()      { s.Retransmits.Add(1) }
func (s *Stats) AddAcked(n int)      { s.SegmentsAcked.Add(int64(n)) }
func (s *Stats) AddRefusal()         { s.Refusals.Add(1) }
func (s *Stats) AddCorrupt()         { s.CorruptDropped.Add(1) }

func (s *Stats) String() string {
	return fmt.Sprintf("Sent: %d seg (%s) | Acked: %d | Resends: %d | Refusals: %d | Corrupt: %d | Recv: %s",
		s.SegmentsSent.Load(),
		formatBytes(float64(s.BytesSent.Load())),
		s.SegmentsAcked.Load(),
		s.Retransmits.Load(),
		s.Refusals.Load(),
		s.CorruptDropped.Load(),
		formatBytes(float64(s.BytesRecv.Load())),
	)
}

// StartStatsReporter logs the counters every interval while they change.
// It stops when ctx is cancelled. A non-positive interval disables it.
func (s *Stats) StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := s.SegmentsSent.Load()
				recv := s.BytesRecv.Load()
				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(s.String())
				}
				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count with a fixed width, e.g. " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
