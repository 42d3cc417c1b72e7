package trace

import (
	"fmt"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeSegment lets gopacket decode the transfer protocol header.
var LayerTypeSegment = gopacket.RegisterLayerType(1701, gopacket.LayerTypeMetadata{
	Name:    "RUDPSegment",
	Decoder: gopacket.DecodeFunc(decodeSegment),
})

// SegmentLayer is the gopacket view of a lib.Segment header.
type SegmentLayer struct {
	layers.BaseLayer
	SequenceNumber    uint32
	AcknowledgmentNum uint32
	Flags             uint8
	Checksum          uint16
	IsValid           bool
}

func (s *SegmentLayer) LayerType() gopacket.LayerType { return LayerTypeSegment }

func (s *SegmentLayer) CanDecode() gopacket.LayerClass { return LayerTypeSegment }

func (s *SegmentLayer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (s *SegmentLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	seg, err := lib.Decode(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	s.SequenceNumber = seg.SequenceNumber
	s.AcknowledgmentNum = seg.AcknowledgmentNum
	s.Flags = seg.Flags
	s.Checksum = seg.Checksum
	s.IsValid = seg.IsValid
	s.Contents = data[:lib.HeaderLength]
	s.Payload = data[lib.HeaderLength:]
	return nil
}

func (s *SegmentLayer) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d len=%d valid=%t", lib.FlagName(s.Flags), s.SequenceNumber, s.AcknowledgmentNum, len(s.Payload), s.IsValid)
}

func decodeSegment(data []byte, p gopacket.PacketBuilder) error {
	s := &SegmentLayer{}
	if err := s.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(s)
	return p.NextDecoder(s.NextLayerType())
}

// RegisterPort makes gopacket decode UDP payloads on port as segments.
// Call it during start-up; gopacket's port table is not synchronized.
func RegisterPort(port int) {
	layers.RegisterUDPPortLayerType(layers.UDPPort(port), LayerTypeSegment)
}

// Describe renders a raw datagram for log lines.
func Describe(data []byte) string {
	packet := gopacket.NewPacket(data, LayerTypeSegment, gopacket.NoCopy)
	if l := packet.Layer(LayerTypeSegment); l != nil {
		return l.(*SegmentLayer).String()
	}
	if len(data) == 0 {
		return "discovery"
	}
	if string(data) == lib.MetadataSentinel {
		return "discovery (metadata)"
	}
	return fmt.Sprintf("undecodable datagram (%d bytes)", len(data))
}
