package lib

import (
	"strings"
	"testing"
)

func TestFormatBytes(t *testing.T) {
	testCases := []struct {
		bytes    float64
		expected string
	}{
		{0, " 0.0   B"},
		{50, "50.0   B"},
		{1536, " 1.5 KiB"},
		{3 * 1024 * 1024, " 3.0 MiB"},
	}
	for _, tc := range testCases {
		if got := formatBytes(tc.bytes); got != tc.expected {
			t.Errorf("For %v, expected %q, but got %q", tc.bytes, tc.expected, got)
		}
	}
}

func TestStats(t *testing.T) {
	s := NewStats()
	s.AddSent(1024)
	s.AddSent(512)
	s.AddRetransmit()
	s.AddAcked(2)
	s.AddRefusal()
	s.AddCorrupt()
	s.AddRecv(1024)

	if s.SegmentsSent.Load() != 2 || s.BytesSent.Load() != 1536 {
		t.Errorf("Expected 2 segments and 1536 bytes sent, but got %d and %d", s.SegmentsSent.Load(), s.BytesSent.Load())
	}
	line := s.String()
	for _, part := range []string{"Sent: 2 seg ( 1.5 KiB)", "Acked: 2", "Resends: 1", "Refusals: 1", "Corrupt: 1", "Recv:  1.0 KiB"} {
		if !strings.Contains(line, part) {
			t.Errorf("Expected %q in %q", part, line)
		}
	}
}

func TestSeqIncrement(t *testing.T) {
	testCases := []struct {
		seq      uint32
		expected uint32
	}{
		{0, 1},
		{41, 42},
		{4294967295, 0}, // wrap-around
	}
	for _, tc := range testCases {
		if got := SeqIncrement(tc.seq); got != tc.expected {
			t.Errorf("For %d, expected %d, but got %d", tc.seq, tc.expected, got)
		}
	}
}
