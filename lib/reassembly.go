package lib

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
)

// Verdict is what the receiver did with one segment.
type Verdict int

const (
	VerdictAccepted  Verdict = iota // in order, payload kept, ACK sent
	VerdictEmpty                    // in order without payload, no ACK
	VerdictDuplicate                // delivered before, cumulative ACK repeated
	VerdictRefused                  // corrupt or ahead of NextExpected, refusal sent
	VerdictIgnored                  // stale handshake traffic or data after FIN
	VerdictFinished                 // FIN answered with FIN-ACK
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictEmpty:
		return "empty"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictRefused:
		return "refused"
	case VerdictIgnored:
		return "ignored"
	case VerdictFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Reassembly is the strict in-order receiver: no out-of-order segment is
// ever buffered.
type Reassembly struct {
	NextExpected uint32 // next data sequence number that will be accepted
	localSeq     uint32
	metadata     bool
	filename     string
	data         bytes.Buffer
	finished     bool
}

func NewReassembly(localSeq uint32, wantsMetadata bool) *Reassembly {
	return &Reassembly{localSeq: localSeq, metadata: wantsMetadata}
}

// Handle applies one received segment and returns the reply to send, if any.
// Refusals reuse the SYN flag and carry NextExpected.
func (r *Reassembly) Handle(seg *Segment) (*Segment, Verdict) {
	switch {
	case seg == nil || !seg.IsValid:
		if r.finished {
			return nil, VerdictIgnored
		}
		return r.refusal(), VerdictRefused
	case seg.Flags == FINFlag:
		r.finished = true
		return NewSegment(r.localSeq, SeqIncrement(seg.SequenceNumber), FinAckFlag, nil), VerdictFinished
	case r.finished, seg.Flags != DataFlag:
		return nil, VerdictIgnored
	case seg.SequenceNumber > r.NextExpected:
		return r.refusal(), VerdictRefused
	case seg.SequenceNumber < r.NextExpected:
		return NewSegment(r.localSeq, r.NextExpected, ACKFlag, nil), VerdictDuplicate
	}

	r.NextExpected++
	if len(seg.Payload) == 0 {
		return nil, VerdictEmpty
	}
	if r.metadata && seg.SequenceNumber == 0 {
		r.filename = string(seg.Payload)
	} else {
		r.data.Write(seg.Payload)
	}
	return NewSegment(r.localSeq, SeqIncrement(seg.SequenceNumber), ACKFlag, nil), VerdictAccepted
}

func (r *Reassembly) refusal() *Segment {
	return NewSegment(r.localSeq, r.NextExpected, SYNFlag, nil)
}

func (r *Reassembly) Finished() bool {
	return r.finished
}

// Bytes returns the payload accepted so far, file name excluded.
func (r *Reassembly) Bytes() []byte {
	return r.data.Bytes()
}

// Filename is the name carried by segment 0 in metadata mode.
func (r *Reassembly) Filename() string {
	return r.filename
}

// Transfer is the outcome of a completed Receive.
type Transfer struct {
	Data     []byte
	Filename string // empty unless metadata was requested
	Segments uint32 // data segments accepted, metadata segment included
}

// Receive runs the receiver loop until the peer's FIN, which is answered
// once with FIN-ACK. Corrupt and out-of-order segments are refused and never
// surface as errors.
func (c *Connection) Receive(ctx context.Context) (*Transfer, error) {
	if c.State != StateEstablished {
		return nil, ErrNotEstablished
	}

	r := NewReassembly(c.LocalSequence, c.WantsMetadata)
	c.reassembly = r
	for !r.Finished() {
		seg := c.takePending()
		if seg == nil {
			var err error
			seg, err = c.link.Recv(ctx, c.config.ReceiveIdleTimeout)
			switch {
			case err == nil:
			case errors.Is(err, ErrMalformedSegment):
				LogDebug("Malformed datagram from %s discarded", c.PeerAddr)
				continue
			case IsTimeout(err):
				return nil, errors.Wrapf(ErrTransfer, "%s silent for %s", c.PeerAddr, c.config.ReceiveIdleTimeout)
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				return nil, errors.Wrapf(ErrTransfer, "receive from %s: %v", c.PeerAddr, err)
			}
		}

		reply, verdict := r.Handle(seg)
		if reply != nil {
			if err := c.link.Send(reply); err != nil {
				return nil, errors.Wrapf(ErrTransfer, "reply to %s: %v", c.PeerAddr, err)
			}
		}
		c.logVerdict(seg, reply, verdict)
	}

	c.State = StateClosed
	return &Transfer{
		Data:     r.Bytes(),
		Filename: r.Filename(),
		Segments: r.NextExpected,
	}, nil
}

func (c *Connection) logVerdict(seg, reply *Segment, verdict Verdict) {
	switch verdict {
	case VerdictAccepted:
		c.stats.AddRecv(len(seg.Payload))
		LogDebug("Segment SEQ=%d: Received %s, Sent %s", seg.SequenceNumber, FlagName(seg.Flags), FlagName(reply.Flags))
	case VerdictEmpty:
		LogInfo("Received empty data from %s", c.PeerAddr)
	case VerdictDuplicate:
		LogDebug("Segment SEQ=%d: Duplicate, Ack SEQ=%d.", seg.SequenceNumber, reply.AcknowledgmentNum)
	case VerdictRefused:
		c.stats.AddRefusal()
		if seg != nil && seg.IsValid {
			LogWarning("Segment SEQ=%d: Segment refused, Ack SEQ=%d.", seg.SequenceNumber, reply.AcknowledgmentNum)
		} else {
			LogWarning("Corrupt segment refused, Ack SEQ=%d.", reply.AcknowledgmentNum)
		}
	case VerdictFinished:
		LogInfo("Segment SEQ=%d: Received %s, Sent %s", seg.SequenceNumber, FlagName(seg.Flags), FlagName(reply.Flags))
	case VerdictIgnored:
		LogDebug("%s ignored", seg)
	}
}
