package lib

// Connection states
const (
	StateIdle        ConnState = iota // created, no segment exchanged yet
	StateHandshaking                  // SYN sent (initiator) or SYN received (responder)
	StateEstablished                  // handshake complete, data may flow
	StateClosing                      // FIN sent or received
	StateClosed                       // FIN/FIN-ACK exchange done
)

// Flag constants. Only the six combinations below appear on the wire; they are
// mutually exclusive even though they are carried in a flag byte.
const (
	FINFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	ACKFlag uint8 = 1 << 4

	DataFlag   uint8 = 0
	SynAckFlag       = SYNFlag | ACKFlag
	FinAckFlag       = FINFlag | ACKFlag
)

const (
	HeaderLength   = 12    // seq(4) ack(4) flags(1) reserved(1) checksum(2)
	MaxPayloadSize = 32768 // largest payload a single segment may carry
	MaxSegmentSize = HeaderLength + MaxPayloadSize

	// initial local sequence numbers used when RandomISN is off
	InitiatorISN uint32 = 1
	ResponderISN uint32 = 0
)

// MetadataSentinel is the discovery payload that asks the sender to put the file
// name in segment 0.
const MetadataSentinel = "METADATA"
