package lib

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Role tells which side sends the opening SYN.
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Connection is the protocol state shared with one peer. All its counters are
// private to the goroutine that owns it.
type Connection struct {
	Key                  string    // connection key for easy reference in logs
	PeerAddr             net.Addr  // peer endpoint
	Role                 Role      // who opened the connection
	LocalSequence        uint32    // our handshake sequence number
	ExpectedPeerSequence uint32    // peer's handshake sequence number + 1
	State                ConnState // lifecycle state
	WantsMetadata        bool      // segment 0 carries the file name

	link       Link
	config     *ConnectionConfig
	stats      *Stats
	pending    *Segment    // segment read ahead of the phase that handles it
	synAckSent bool        // responder answered a SYN at least once
	finSeq     uint32      // sequence number carried by our FIN
	reassembly *Reassembly // receiver state, kept for Linger
}

func NewConnection(link Link, role Role, config *ConnectionConfig, stats *Stats) (*Connection, error) {
	isn := InitiatorISN
	if role == Responder {
		isn = ResponderISN
	}
	if config.RandomISN {
		var err error
		if isn, err = GenerateISN(); err != nil {
			return nil, errors.Wrap(err, "generate ISN")
		}
	}
	if stats == nil {
		stats = NewStats()
	}

	return &Connection{
		Key:           fmt.Sprintf("%s-%s", role, link.RemoteAddr()),
		PeerAddr:      link.RemoteAddr(),
		Role:          role,
		LocalSequence: isn,
		State:         StateIdle,
		link:          link,
		config:        config,
		stats:         stats,
	}, nil
}

// Connect runs one initiator handshake attempt: SYN, wait for the matching
// SYN-ACK, then ACK. It returns ErrHandshakeTimeout when no matching SYN-ACK
// arrives within HandshakeTimeout; the caller may simply call Connect again.
func (c *Connection) Connect(ctx context.Context) error {
	c.State = StateHandshaking

	syn := NewSegment(c.LocalSequence, 0, SYNFlag, nil)
	if err := c.link.Send(syn); err != nil {
		c.State = StateIdle
		return errors.Wrap(err, "send SYN")
	}
	LogDebug("[%s] Segment SEQ=%d: Sent %s", c.Key, syn.SequenceNumber, FlagName(syn.Flags))

	deadline := time.Now().Add(c.config.HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.State = StateIdle
			return errors.Wrapf(ErrHandshakeTimeout, "no Syn Ack from %s", c.PeerAddr)
		}

		seg, err := c.link.Recv(ctx, remaining)
		if err != nil {
			if IsTimeout(err) || errors.Is(err, ErrMalformedSegment) {
				continue
			}
			c.State = StateIdle
			return err
		}
		if !seg.Is(SynAckFlag) || seg.AcknowledgmentNum != SeqIncrement(c.LocalSequence) {
			LogDebug("[%s] Segment SEQ=%d: %s ignored while waiting for Syn Ack", c.Key, seg.SequenceNumber, seg)
			continue
		}

		c.ExpectedPeerSequence = SeqIncrement(seg.SequenceNumber)
		ack := NewSegment(SeqIncrement(c.LocalSequence), c.ExpectedPeerSequence, ACKFlag, nil)
		if err := c.link.Send(ack); err != nil {
			c.State = StateIdle
			return errors.Wrap(err, "send ACK")
		}
		LogInfo("[%s] Segment SEQ=%d: Received %s, Sent %s", c.Key, seg.SequenceNumber, FlagName(seg.Flags), FlagName(ack.Flags))
		c.State = StateEstablished
		return nil
	}
}

// Accept runs one responder handshake attempt. It waits without a deadline
// for a SYN, answers with SYN-ACK and then takes exactly one segment as the
// final ACK. Anything but a matching ACK abandons the attempt, with two
// exceptions: a repeated SYN is kept for the next Accept call, and a valid
// first data segment or FIN is taken as proof that the peer's ACK was lost.
func (c *Connection) Accept(ctx context.Context) error {
	c.State = StateIdle

	syn, err := c.awaitSyn(ctx)
	if err != nil {
		return err
	}
	if syn == nil {
		// data or FIN arrived after an earlier SYN-ACK
		c.State = StateEstablished
		return nil
	}

	c.State = StateHandshaking
	c.ExpectedPeerSequence = SeqIncrement(syn.SequenceNumber)
	synAck := NewSegment(c.LocalSequence, c.ExpectedPeerSequence, SynAckFlag, nil)
	if err := c.link.Send(synAck); err != nil {
		c.State = StateIdle
		return errors.Wrap(err, "send SYN-ACK")
	}
	c.synAckSent = true
	LogInfo("[%s] Segment SEQ=%d: Received %s, Sent %s", c.Key, syn.SequenceNumber, FlagName(syn.Flags), FlagName(synAck.Flags))

	seg, err := c.link.Recv(ctx, c.config.HandshakeTimeout)
	switch {
	case err != nil && IsTimeout(err):
		c.State = StateIdle
		return errors.Wrapf(ErrHandshakeTimeout, "no Ack from %s", c.PeerAddr)
	case err != nil && errors.Is(err, ErrMalformedSegment):
		c.State = StateIdle
		return errors.Wrap(ErrHandshakeFailed, err.Error())
	case err != nil:
		c.State = StateIdle
		return err
	case seg.Is(ACKFlag) && seg.AcknowledgmentNum == SeqIncrement(c.LocalSequence):
		LogInfo("[%s] Segment SEQ=%d: Received %s", c.Key, seg.SequenceNumber, FlagName(seg.Flags))
		c.State = StateEstablished
		return nil
	case c.skipsAck(seg):
		LogWarning("[%s] Ack lost, %s accepted as Ack", c.Key, FlagName(seg.Flags))
		c.pending = seg
		c.State = StateEstablished
		return nil
	case seg.Is(SYNFlag):
		c.pending = seg
		c.State = StateIdle
		return errors.Wrapf(ErrHandshakeFailed, "%s repeated its Syn", c.PeerAddr)
	default:
		c.State = StateIdle
		return errors.Wrapf(ErrHandshakeFailed, "expected Ack %d from %s, got %s", SeqIncrement(c.LocalSequence), c.PeerAddr, seg)
	}
}

// awaitSyn returns the next valid SYN. It returns a nil segment and no error
// when the peer already moved past the handshake after an earlier SYN-ACK.
func (c *Connection) awaitSyn(ctx context.Context) (*Segment, error) {
	for {
		seg := c.takePending()
		if seg == nil {
			var err error
			seg, err = c.link.Recv(ctx, 0)
			if err != nil {
				if IsTimeout(err) || errors.Is(err, ErrMalformedSegment) {
					continue
				}
				return nil, err
			}
		}

		switch {
		case seg.Is(SYNFlag):
			return seg, nil
		case c.synAckSent && c.skipsAck(seg):
			LogWarning("[%s] Ack lost, %s accepted as Ack", c.Key, FlagName(seg.Flags))
			c.pending = seg
			return nil, nil
		default:
			LogDebug("[%s] Segment SEQ=%d: %s ignored while listening for Syn", c.Key, seg.SequenceNumber, seg)
		}
	}
}

// skipsAck reports whether seg can only come from a peer that finished its
// side of the handshake: the first data segment, or the FIN of a transfer
// with nothing to send.
func (c *Connection) skipsAck(seg *Segment) bool {
	return (seg.Is(DataFlag) && seg.SequenceNumber == 0) || seg.Is(FINFlag)
}

func (c *Connection) takePending() *Segment {
	seg := c.pending
	c.pending = nil
	return seg
}

// Close performs the data sender's teardown: FIN until a FIN-ACK is seen.
// With MaxFinRetries at 0 it only returns early when ctx is done or the link
// fails, because the data has already been delivered at this point.
func (c *Connection) Close(ctx context.Context) error {
	c.State = StateClosing
	fin := NewSegment(c.finSeq, 0, FINFlag, nil)

	for attempt := 1; ; attempt++ {
		if err := c.link.Send(fin); err != nil {
			return errors.Wrap(err, "send FIN")
		}
		LogDebug("[%s] Segment SEQ=%d: Sent %s (attempt %d)", c.Key, fin.SequenceNumber, FlagName(fin.Flags), attempt)

		seg, err := c.link.Recv(ctx, c.config.FinTimeout)
		switch {
		case err == nil && seg.Is(FinAckFlag):
			LogInfo("[%s] Segment SEQ=%d: Received %s", c.Key, seg.SequenceNumber, FlagName(seg.Flags))
			c.State = StateClosed
			return nil
		case err != nil && !IsTimeout(err) && !errors.Is(err, ErrMalformedSegment):
			return err
		}

		if c.config.MaxFinRetries > 0 && attempt > c.config.MaxFinRetries {
			return errors.Wrapf(ErrTeardownTimeout, "no Fin Ack from %s after %d attempts", c.PeerAddr, attempt)
		}
	}
}

// Linger answers retransmitted FINs for d after Receive has returned, so a
// lost FIN-ACK does not leave the sender retrying forever.
func (c *Connection) Linger(ctx context.Context, d time.Duration) {
	if d <= 0 || c.reassembly == nil {
		return
	}

	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		seg, err := c.link.Recv(ctx, remaining)
		if err != nil {
			if IsTimeout(err) || errors.Is(err, ErrMalformedSegment) {
				continue
			}
			return
		}
		reply, verdict := c.reassembly.Handle(seg)
		if verdict == VerdictFinished && reply != nil {
			if err := c.link.Send(reply); err != nil {
				LogWarning("[%s] Resending Fin Ack failed: %v", c.Key, err)
				return
			}
			LogDebug("[%s] Segment SEQ=%d: Received repeated %s, Sent %s", c.Key, seg.SequenceNumber, FlagName(seg.Flags), FlagName(reply.Flags))
		}
	}
}
