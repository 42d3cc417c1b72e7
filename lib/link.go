package lib

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Link carries segments between the local endpoint and exactly one peer.
// Recv returns a *TimeoutError when nothing arrives within timeout; a
// non-positive timeout waits until ctx is done.
type Link interface {
	Send(seg *Segment) error
	Recv(ctx context.Context, timeout time.Duration) (*Segment, error)
	RemoteAddr() net.Addr
}

// Tracer observes every datagram written or read by a link.
type Tracer interface {
	Trace(src, dst net.Addr, data []byte) error
}

// UDPLink is a Link over a socket used for a single peer, as on the
// receiving side. Datagrams from other sources are discarded.
type UDPLink struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	pool   *PayloadPool
	decode func([]byte) (*Segment, error)
	tracer Tracer
	stats  *Stats
}

func NewUDPLink(conn *net.UDPConn, remote *net.UDPAddr, pool *PayloadPool, connConfig *ConnectionConfig, stats *Stats, tracer Tracer) *UDPLink {
	if stats == nil {
		stats = NewStats()
	}
	return &UDPLink{
		conn:   conn,
		remote: remote,
		pool:   pool,
		decode: connConfig.decoder(),
		tracer: tracer,
		stats:  stats,
	}
}

func (l *UDPLink) RemoteAddr() net.Addr {
	return l.remote
}

func (l *UDPLink) Send(seg *Segment) error {
	frame, err := seg.Marshal()
	if err != nil {
		return err
	}
	return l.SendRaw(frame, len(seg.Payload))
}

// SendRaw writes an unframed datagram, such as a discovery request.
func (l *UDPLink) SendRaw(frame []byte, payloadLen int) error {
	if _, err := l.conn.WriteToUDP(frame, l.remote); err != nil {
		return errors.Wrapf(err, "write to %s", l.remote)
	}
	l.stats.AddSent(payloadLen)
	traceDatagram(l.tracer, l.conn.LocalAddr(), l.remote, frame)
	return nil
}

func (l *UDPLink) Recv(ctx context.Context, timeout time.Duration) (*Segment, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if err := l.conn.SetReadDeadline(deadline); err != nil {
			return nil, errors.Wrap(err, "set read deadline")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var from *net.UDPAddr
		dg := l.pool.Get()
		err := dg.readFrom(func(b []byte) (int, error) {
			n, addr, err := l.conn.ReadFromUDP(b)
			from = addr
			return n, err
		})
		if err != nil {
			dg.Release()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, &TimeoutError{msg: "no segment from " + l.remote.String() + " within " + timeout.String()}
			}
			return nil, errors.Wrap(err, "read segment")
		}

		traceDatagram(l.tracer, from, l.conn.LocalAddr(), dg.Bytes())
		if !sameUDPAddr(from, l.remote) {
			LogDebug("Datagram from unexpected source %s dropped", from)
			dg.Release()
			continue
		}

		seg, err := l.decode(dg.Bytes())
		dg.Release()
		return countCorrupt(l.stats, seg, err)
	}
}

func countCorrupt(stats *Stats, seg *Segment, err error) (*Segment, error) {
	if err != nil || !seg.IsValid {
		stats.AddCorrupt()
	}
	return seg, err
}

func traceDatagram(tracer Tracer, src, dst net.Addr, data []byte) {
	if tracer == nil {
		return
	}
	if err := tracer.Trace(src, dst, data); err != nil {
		LogDebug("trace: %v", err)
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
