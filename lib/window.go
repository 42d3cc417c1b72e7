package lib

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// OutboundWindow is the Go-Back-N sender state over pre-built data segments.
// Segments below Base are delivered, [Base, NextToSend) are in flight and
// the rest are unsent. NextToSend never exceeds Base+WindowSize.
type OutboundWindow struct {
	Segments   []*Segment
	Base       int
	NextToSend int
	WindowSize int
}

// NewOutboundWindow numbers payloads from 0 as data segments.
func NewOutboundWindow(payloads [][]byte, windowSize int) *OutboundWindow {
	segments := make([]*Segment, len(payloads))
	for i, p := range payloads {
		segments[i] = NewSegment(uint32(i), 0, DataFlag, p)
	}
	return &OutboundWindow{
		Segments:   segments,
		WindowSize: windowSize,
	}
}

func (w *OutboundWindow) Done() bool {
	return w.Base >= len(w.Segments)
}

// Fill opens the window as far as it allows and returns the segments to
// transmit, in order.
func (w *OutboundWindow) Fill() []*Segment {
	limit := w.Base + w.WindowSize
	if limit > len(w.Segments) {
		limit = len(w.Segments)
	}
	if w.NextToSend >= limit {
		return nil
	}
	opened := w.Segments[w.NextToSend:limit]
	w.NextToSend = limit
	return opened
}

// Ack applies a cumulative acknowledgment number and returns how many
// segments it confirmed. Numbers outside (Base, NextToSend] confirm nothing.
func (w *OutboundWindow) Ack(ackNum uint32) int {
	ack := int(ackNum)
	if ack <= w.Base || ack > w.NextToSend {
		return 0
	}
	advanced := ack - w.Base
	w.Base = ack
	return advanced
}

// Rewind schedules the whole in-flight window for retransmission.
func (w *OutboundWindow) Rewind() {
	w.NextToSend = w.Base
}

// Transmit sends payloads as data segments with Go-Back-N and returns the
// number of segments delivered. Loss, corruption and reordering only cause
// retransmissions; an error means the link failed, ctx ended, or
// MaxRetransmits consecutive resends made no progress.
func (c *Connection) Transmit(ctx context.Context, payloads [][]byte) (int, error) {
	if c.State != StateEstablished {
		return 0, ErrNotEstablished
	}

	w := NewOutboundWindow(payloads, c.config.WindowSize)
	stalls := 0
	for !w.Done() {
		for _, seg := range w.Fill() {
			if err := c.link.Send(seg); err != nil {
				return w.Base, errors.Wrapf(ErrTransfer, "send segment %d to %s: %v", seg.SequenceNumber, c.PeerAddr, err)
			}
			LogDebug("Segment SEQ=%d: Sent %s", seg.SequenceNumber, FlagName(seg.Flags))
		}

		reply, err := c.link.Recv(ctx, c.config.RetransmitTimeout)
		if err != nil && !IsTimeout(err) && !errors.Is(err, ErrMalformedSegment) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return w.Base, ctxErr
			}
			return w.Base, errors.Wrapf(ErrTransfer, "receive from %s: %v", c.PeerAddr, err)
		}

		advanced := 0
		switch {
		case err != nil:
			LogDebug("No Ack from %s for segment %d: %v", c.PeerAddr, w.Base, err)
		case reply.Is(ACKFlag):
			if advanced = w.Ack(reply.AcknowledgmentNum); advanced > 0 {
				c.stats.AddAcked(advanced)
				LogDebug("Segment SEQ=%d: Received %s", reply.AcknowledgmentNum-1, FlagName(reply.Flags))
				stalls = 0
				continue
			}
			LogDebug("Stale Ack %d from %s, base is %d", reply.AcknowledgmentNum, c.PeerAddr, w.Base)
		case reply.Is(SYNFlag):
			// refusal: the peer still expects AcknowledgmentNum
			c.stats.AddRefusal()
			c.stats.AddAcked(w.Ack(reply.AcknowledgmentNum))
			LogWarning("Segment SEQ=%d: Segment refused by %s, resending from %d", reply.AcknowledgmentNum, c.PeerAddr, w.Base)
		default:
			LogDebug("%s from %s treated as retransmission trigger", reply, c.PeerAddr)
		}

		if w.Done() {
			break
		}
		stalls++
		if c.config.MaxRetransmits > 0 && stalls > c.config.MaxRetransmits {
			return w.Base, errors.Wrapf(ErrTransfer, "no progress with %s after %d resends of segment %d", c.PeerAddr, stalls-1, w.Base)
		}
		w.Rewind()
		c.stats.AddRetransmit()
	}

	c.finSeq = uint32(len(w.Segments))
	return len(w.Segments), nil
}

// Segmentize reads r to the end and cuts it into payloads of at most
// maxPayload bytes. A non-empty metadataName becomes the first payload.
func Segmentize(r io.Reader, maxPayload int, metadataName string) ([][]byte, error) {
	if maxPayload < 1 || maxPayload > MaxPayloadSize {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "segment size %d", maxPayload)
	}

	var payloads [][]byte
	if metadataName != "" {
		if len(metadataName) > MaxPayloadSize {
			return nil, errors.Wrap(ErrPayloadTooLarge, "file name")
		}
		payloads = append(payloads, []byte(metadataName))
	}

	for {
		chunk := make([]byte, maxPayload)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			payloads = append(payloads, chunk[:n])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return payloads, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read source")
		}
	}
}
