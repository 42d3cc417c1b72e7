package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Segment represents one protocol message on the wire
type Segment struct {
	SequenceNumber    uint32 // SequenceNumber is the data index, or the local counter during handshake
	AcknowledgmentNum uint32 // AcknowledgmentNum is only meaningful on ACK, SYN-ACK, FIN-ACK and refusals
	Flags             uint8  // Flags holds exactly one of the six flag values
	Checksum          uint16 // Checksum as transmitted (Decode) or computed (Marshal)
	Payload           []byte // Payload is file bytes, or the file name in segment 0 under metadata mode
	IsValid           bool   // IsValid is set by Decode when the recomputed checksum matches
}

// NewSegment builds an outgoing segment. It is valid by construction.
func NewSegment(seqNum, ackNum uint32, flags uint8, data []byte) *Segment {
	return &Segment{
		SequenceNumber:    seqNum,
		AcknowledgmentNum: ackNum,
		Flags:             flags,
		Payload:           data,
		IsValid:           true,
	}
}

// Marshal converts a Segment to its wire form
func (s *Segment) Marshal() ([]byte, error) {
	frame, err := Encode(s.SequenceNumber, s.AcknowledgmentNum, s.Flags, s.Payload)
	if err != nil {
		return nil, err
	}
	s.Checksum = binary.BigEndian.Uint16(frame[10:12])
	return frame, nil
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d len=%d valid=%t", FlagName(s.Flags), s.SequenceNumber, s.AcknowledgmentNum, len(s.Payload), s.IsValid)
}

// Is reports whether the segment is valid and carries exactly the given flags.
func (s *Segment) Is(flags uint8) bool {
	return s.IsValid && s.Flags == flags
}

// Encode produces the 12-byte header followed by payload.
func Encode(seqNum, ackNum uint32, flags uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes exceeds %d", len(payload), MaxPayloadSize)
	}

	frame := make([]byte, HeaderLength+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], seqNum)
	binary.BigEndian.PutUint32(frame[4:8], ackNum)
	frame[8] = flags
	frame[9] = 0 // reserved
	copy(frame[HeaderLength:], payload)

	binary.BigEndian.PutUint16(frame[10:12], Checksum(flags, seqNum, ackNum, payload))
	return frame, nil
}

// Decode parses a datagram. The datagram length is authoritative for the
// payload length. A checksum mismatch is reported through IsValid, never as
// an error.
func Decode(raw []byte) (*Segment, error) {
	return decode(raw, false)
}

// DecodeLegacy behaves like Decode but strips trailing zero bytes from the
// payload after verifying the checksum over the unstripped bytes. Payloads
// that genuinely end in zero bytes are truncated, so it is only used to talk
// to peers that pad their datagrams.
func DecodeLegacy(raw []byte) (*Segment, error) {
	return decode(raw, true)
}

func decode(raw []byte, stripZeros bool) (*Segment, error) {
	if len(raw) < HeaderLength {
		return nil, errors.Wrapf(ErrMalformedSegment, "the length(%d) of data is too short to be decoded", len(raw))
	}

	seg := &Segment{
		SequenceNumber:    binary.BigEndian.Uint32(raw[0:4]),
		AcknowledgmentNum: binary.BigEndian.Uint32(raw[4:8]),
		Flags:             raw[8],
		Checksum:          binary.BigEndian.Uint16(raw[10:12]),
	}
	rawPayload := raw[HeaderLength:]
	// the reserved byte is outside the checksum, so a non-zero value is treated as corruption
	seg.IsValid = raw[9] == 0 && Checksum(seg.Flags, seg.SequenceNumber, seg.AcknowledgmentNum, rawPayload) == seg.Checksum

	if stripZeros {
		end := len(rawPayload)
		for end > 0 && rawPayload[end-1] == 0 {
			end--
		}
		rawPayload = rawPayload[:end]
	}
	// detach from the receive buffer, which goes back to the pool
	seg.Payload = make([]byte, len(rawPayload))
	copy(seg.Payload, rawPayload)

	return seg, nil
}

// Checksum computes the segment checksum over flags||seq||ack||payload.
func Checksum(flags uint8, seqNum, ackNum uint32, payload []byte) uint16 {
	buffer := make([]byte, 9+len(payload))
	buffer[0] = flags
	binary.BigEndian.PutUint32(buffer[1:5], seqNum)
	binary.BigEndian.PutUint32(buffer[5:9], ackNum)
	copy(buffer[9:], payload)
	return CalculateChecksum(buffer)
}

// CalculateChecksum returns the one's complement of the one's complement sum
// of buffer read as big-endian 16-bit words, zero padded to an even length.
//
// Known blind spots: swapping two aligned words, or replacing a 0x0000 word by
// 0xFFFF (and vice versa), leaves the sum unchanged.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		word := binary.BigEndian.Uint16(buffer[i : i+2])
		cksum += uint32(word)
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8 // Shift last byte to 16 bits
	}

	// Fold 32-bit sum to 16 bits
	for cksum>>16 != 0 {
		cksum = (cksum >> 16) + (cksum & 0xffff)
	}

	// Return one's complement of the final sum
	return ^uint16(cksum)
}

// FlagName returns the name used in log lines for a flag value.
func FlagName(flags uint8) string {
	switch flags {
	case DataFlag:
		return "Data"
	case SYNFlag:
		return "Syn"
	case FINFlag:
		return "Fin"
	case ACKFlag:
		return "Ack"
	case SynAckFlag:
		return "Syn Ack"
	case FinAckFlag:
		return "Fin Ack"
	default:
		return "Unknown"
	}
}
