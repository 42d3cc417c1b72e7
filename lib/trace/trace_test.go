package trace

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestPcapRoundTrip(t *testing.T) {
	const port = 17080
	RegisterPort(port)

	path := filepath.Join(t.TempDir(), "transfer.pcap")
	w, err := NewPcapWriter(path)
	if err != nil {
		t.Fatal(err)
	}

	client := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
	server := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	frame, err := lib.Encode(4, 0, lib.DataFlag, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Trace(client, server, []byte(lib.MetadataSentinel)); err != nil {
		t.Fatal(err)
	}
	if err := w.Trace(server, client, frame); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Trace(server, client, frame); err == nil {
		t.Errorf("Expected an error when tracing after Close")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}

	var packets []gopacket.Packet
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		packets = append(packets, gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default))
	}
	if len(packets) != 2 {
		t.Fatalf("Expected 2 packets, but got %d", len(packets))
	}

	udp, _ := packets[0].Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil || int(udp.DstPort) != port || string(udp.Payload) != lib.MetadataSentinel {
		t.Errorf("Expected the discovery datagram to port %d, but got %v", port, packets[0])
	}

	seg, _ := packets[1].Layer(LayerTypeSegment).(*SegmentLayer)
	if seg == nil {
		t.Fatalf("Expected a segment layer in %v", packets[1])
	}
	if seg.SequenceNumber != 4 || seg.Flags != lib.DataFlag || !seg.IsValid || string(seg.Payload) != "payload" {
		t.Errorf("Expected valid data segment 4, but got %s", seg)
	}
}

func TestDescribe(t *testing.T) {
	ack, err := lib.Encode(0, 3, lib.ACKFlag, nil)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		data     []byte
		expected string
	}{
		{data: nil, expected: "discovery"},
		{data: []byte(lib.MetadataSentinel), expected: "discovery (metadata)"},
		{data: []byte("hello"), expected: "undecodable datagram (5 bytes)"},
		{data: ack, expected: "Ack seq=0 ack=3 len=0 valid=true"},
	}
	for _, tc := range testCases {
		if got := Describe(tc.data); got != tc.expected {
			t.Errorf("For %x, expected %q, but got %q", tc.data, tc.expected, got)
		}
	}
}

func TestOpenWithoutPath(t *testing.T) {
	tracer, closeTracer, err := Open("", 0)
	if err != nil || tracer != nil {
		t.Errorf("Expected no tracer and no error, but got %v and %v", tracer, err)
	}
	closeTracer()
}
