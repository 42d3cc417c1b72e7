package lib

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Discovery is an unsolicited datagram from a peer asking for the file.
type Discovery struct {
	Addr          *net.UDPAddr
	WantsMetadata bool
}

// Demux is the only reader of a socket shared by several peer sessions.
// It hands each datagram to the inbox of the session registered for its
// source address, and reports datagrams from unregistered sources that are
// too short to be segments as discovery requests.
type Demux struct {
	conn        *net.UDPConn
	pool        *PayloadPool
	inboxSize   int
	tracer      Tracer
	stats       *Stats
	mu          sync.Mutex
	routes      map[string]*demuxLink // keyed by peer address string
	discoveries chan Discovery
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewDemux(conn *net.UDPConn, pool *PayloadPool, config *EndpointConfig, stats *Stats, tracer Tracer) *Demux {
	if stats == nil {
		stats = NewStats()
	}
	d := &Demux{
		conn:        conn,
		pool:        pool,
		inboxSize:   config.InboxSize,
		tracer:      tracer,
		stats:       stats,
		routes:      make(map[string]*demuxLink),
		discoveries: make(chan Discovery, config.InboxSize),
		closeSignal: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.handleIncomingPackets()
	return d
}

// Discoveries delivers discovery requests in arrival order.
func (d *Demux) Discoveries() <-chan Discovery {
	return d.discoveries
}

// Register routes datagrams from addr to the returned link until Unregister.
func (d *Demux) Register(addr *net.UDPAddr, connConfig *ConnectionConfig) Link {
	key := addr.String()

	d.mu.Lock()
	defer d.mu.Unlock()
	if route, ok := d.routes[key]; ok {
		return route
	}
	route := &demuxLink{
		demux:  d,
		remote: addr,
		inbox:  make(chan *Datagram, d.inboxSize),
		decode: connConfig.decoder(),
	}
	d.routes[key] = route
	return route
}

// Unregister stops routing for addr and frees any queued datagrams.
func (d *Demux) Unregister(addr *net.UDPAddr) {
	key := addr.String()

	d.mu.Lock()
	route, ok := d.routes[key]
	delete(d.routes, key)
	d.mu.Unlock()

	if ok {
		route.drain()
	}
}

// Close stops the receive goroutine. The socket itself stays open.
func (d *Demux) Close() {
	d.closeOnce.Do(func() {
		close(d.closeSignal)
		// unblock the pending read
		d.conn.SetReadDeadline(time.Now())
		d.wg.Wait()

		d.mu.Lock()
		routes := d.routes
		d.routes = make(map[string]*demuxLink)
		d.mu.Unlock()
		for _, route := range routes {
			route.drain()
		}
	})
}

func (d *Demux) handleIncomingPackets() {
	// Decrease WaitGroup counter when the goroutine completes
	defer d.wg.Done()

	for {
		select {
		case <-d.closeSignal:
			return
		default:
		}

		var from *net.UDPAddr
		dg := d.pool.Get()
		err := dg.readFrom(func(b []byte) (int, error) {
			n, addr, err := d.conn.ReadFromUDP(b)
			from = addr
			return n, err
		})
		if err != nil {
			dg.Release()
			select {
			case <-d.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			LogWarning("Demux read error: %v", err)
			continue
		}

		d.dispatch(dg, from)
	}
}

func (d *Demux) dispatch(dg *Datagram, from *net.UDPAddr) {
	key := from.String()
	data := dg.Bytes()
	traceDatagram(d.tracer, from, d.conn.LocalAddr(), data)

	d.mu.Lock()
	route, registered := d.routes[key]
	if registered && len(data) >= HeaderLength {
		dg.enqueued("Demux.inbox")
		select {
		case route.inbox <- dg:
			d.mu.Unlock()
		default:
			d.mu.Unlock()
			LogWarning("Inbox of %s is full, datagram dropped", key)
			dg.Release()
		}
		return
	}
	d.mu.Unlock()

	switch {
	case registered:
		LogDebug("Repeated discovery from %s ignored", key)
	case len(data) >= HeaderLength:
		LogDebug("Segment from unknown peer %s dropped", key)
	default:
		disc := Discovery{Addr: from, WantsMetadata: string(data) == MetadataSentinel}
		select {
		case d.discoveries <- disc:
		default:
			LogDebug("Discovery from %s dropped, nobody is listening", key)
		}
	}
	dg.Release()
}

// demuxLink is the per-peer Link handed out by Demux.Register.
type demuxLink struct {
	demux  *Demux
	remote *net.UDPAddr
	inbox  chan *Datagram
	decode func([]byte) (*Segment, error)
}

func (l *demuxLink) RemoteAddr() net.Addr {
	return l.remote
}

func (l *demuxLink) Send(seg *Segment) error {
	frame, err := seg.Marshal()
	if err != nil {
		return err
	}
	if _, err := l.demux.conn.WriteToUDP(frame, l.remote); err != nil {
		return errors.Wrapf(err, "write to %s", l.remote)
	}
	l.demux.stats.AddSent(len(seg.Payload))
	traceDatagram(l.demux.tracer, l.demux.conn.LocalAddr(), l.remote, frame)
	return nil
}

func (l *demuxLink) Recv(ctx context.Context, timeout time.Duration) (*Segment, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.demux.closeSignal:
		return nil, net.ErrClosed
	case <-timer:
		return nil, &TimeoutError{msg: "no segment from " + l.remote.String() + " within " + timeout.String()}
	case dg := <-l.inbox:
		dg.dequeued()
		seg, err := l.decode(dg.Bytes())
		dg.Release()
		return countCorrupt(l.demux.stats, seg, err)
	}
}

func (l *demuxLink) drain() {
	for {
		select {
		case dg := <-l.inbox:
			dg.dequeued()
			dg.Release()
		default:
			return
		}
	}
}
