package lib

import (
	"time"

	"github.com/pkg/errors"
)

// ConnectionConfig holds the per-connection protocol timers and limits.
type ConnectionConfig struct {
	WindowSize             int           // Go-Back-N window, in segments
	MaxPayload             int           // file bytes per data segment, at most MaxPayloadSize
	HandshakeTimeout       time.Duration // initiator waits this long for SYN-ACK, responder for the final ACK
	HandshakeRetryInterval time.Duration // pause between failed handshake attempts
	RetransmitTimeout      time.Duration // wait for one ACK before the window is resent
	MaxRetransmits         int           // consecutive resends without progress before giving up, 0 = unbounded
	FinTimeout             time.Duration // wait for FIN-ACK before FIN is resent
	MaxFinRetries          int           // FIN resends before ErrTeardownTimeout, 0 = unbounded
	FinLinger              time.Duration // receiver keeps answering FIN for this long after the transfer
	ReceiveIdleTimeout     time.Duration // receiver gives up after this much silence, 0 = wait forever
	LegacyZeroStrip        bool          // strip trailing zeros from payloads, for peers that pad datagrams
	RandomISN              bool          // random initial handshake sequence instead of 1 (initiator) / 0 (responder)
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		WindowSize:             32,
		MaxPayload:             1024,
		HandshakeTimeout:       time.Second,
		HandshakeRetryInterval: 500 * time.Millisecond,
		RetransmitTimeout:      200 * time.Millisecond,
		MaxRetransmits:         0,
		FinTimeout:             200 * time.Millisecond,
		MaxFinRetries:          0,
		FinLinger:              2 * time.Second,
		ReceiveIdleTimeout:     0,
		LegacyZeroStrip:        false,
		RandomISN:              false,
	}
}

// Validate checks the ranges the engine relies on.
func (c *ConnectionConfig) Validate() error {
	switch {
	case c.WindowSize < 1:
		return errors.Errorf("windowSize must be positive, got %d", c.WindowSize)
	case c.MaxPayload < 1 || c.MaxPayload > MaxPayloadSize:
		return errors.Errorf("maxPayload must be within 1..%d, got %d", MaxPayloadSize, c.MaxPayload)
	case c.HandshakeTimeout <= 0:
		return errors.New("handshakeTimeout must be positive")
	case c.RetransmitTimeout <= 0:
		return errors.New("retransmitTimeout must be positive")
	case c.FinTimeout <= 0:
		return errors.New("finTimeout must be positive")
	case c.MaxRetransmits < 0 || c.MaxFinRetries < 0:
		return errors.New("retry limits must not be negative")
	}
	return nil
}

// decoder returns the segment decoder selected by LegacyZeroStrip.
func (c *ConnectionConfig) decoder() func([]byte) (*Segment, error) {
	if c.LegacyZeroStrip {
		return DecodeLegacy
	}
	return Decode
}

// EndpointConfig holds the socket level settings shared by all connections
// of one server or client process.
type EndpointConfig struct {
	PayloadPoolSize      int           // how many receive buffers in the ring pool
	PoolDebug            bool          // Ring Pool debug setting
	ProcessTimeThreshold int           // buffer holding time threshold in ms, reported by the pool in debug mode
	InboxSize            int           // per-peer demux channel depth
	DiscoveryInterval    time.Duration // client resends its discovery datagram this often until the SYN arrives
	MaxAcceptAttempts    int           // client handshake attempts, 0 = unbounded
	ConcurrentSessions   bool          // serve discovered peers in parallel
	TOS                  int           // IPv4 type of service for outgoing datagrams, 0 = leave unchanged
	TTL                  int           // IPv4 TTL for outgoing datagrams, 0 = leave unchanged
	PcapFile             string        // write every datagram to this pcap file when set
	StatsInterval        time.Duration // periodic stats log, 0 = off
	Debug                bool          // global debug setting
	ConnConfig           *ConnectionConfig
}

func DefaultEndpointConfig() *EndpointConfig {
	return &EndpointConfig{
		PayloadPoolSize:      512,
		PoolDebug:            false,
		ProcessTimeThreshold: 10,
		InboxSize:            128,
		DiscoveryInterval:    time.Second,
		MaxAcceptAttempts:    0,
		ConcurrentSessions:   false,
		StatsInterval:        10 * time.Second,
		Debug:                false,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

func (c *EndpointConfig) Validate() error {
	if c.PayloadPoolSize < 1 {
		return errors.Errorf("payloadPoolSize must be positive, got %d", c.PayloadPoolSize)
	}
	if c.InboxSize < 1 {
		return errors.Errorf("inboxSize must be positive, got %d", c.InboxSize)
	}
	if c.DiscoveryInterval <= 0 {
		return errors.New("discoveryInterval must be positive")
	}
	if c.TOS < 0 || c.TOS > 255 || c.TTL < 0 || c.TTL > 255 {
		return errors.New("tos and ttl must be within 0..255")
	}
	if c.ConnConfig == nil {
		return errors.New("missing connection config")
	}
	return errors.Wrap(c.ConnConfig.Validate(), "connection")
}
