package lib

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var errScriptDone = errors.New("script exhausted")

type scriptStep struct {
	seg *Segment
	err error
}

func answer(seg *Segment) scriptStep { return scriptStep{seg: seg} }

func silence() scriptStep {
	return scriptStep{err: &TimeoutError{msg: "scripted timeout"}}
}

// scriptedLink records what is sent and answers Recv from a fixed script.
type scriptedLink struct {
	remote net.Addr
	steps  []scriptStep
	sent   []*Segment
}

func newScriptedLink(steps ...scriptStep) *scriptedLink {
	return &scriptedLink{
		remote: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7080},
		steps:  steps,
	}
}

func (l *scriptedLink) RemoteAddr() net.Addr { return l.remote }

func (l *scriptedLink) Send(seg *Segment) error {
	l.sent = append(l.sent, seg)
	return nil
}

func (l *scriptedLink) Recv(ctx context.Context, timeout time.Duration) (*Segment, error) {
	if len(l.steps) == 0 {
		if timeout <= 0 {
			return nil, errScriptDone
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
		}
		return nil, &TimeoutError{msg: "script exhausted"}
	}
	step := l.steps[0]
	l.steps = l.steps[1:]
	return step.seg, step.err
}

func (l *scriptedLink) sentSeqs() []uint32 {
	seqs := make([]uint32, len(l.sent))
	for i, seg := range l.sent {
		seqs[i] = seg.SequenceNumber
	}
	return seqs
}

// pipeLink is one end of an in-memory datagram path that can lose and
// corrupt frames on the way out.
type pipeLink struct {
	remote      net.Addr
	in          chan []byte
	peer        *pipeLink
	lossRate    float64
	corruptRate float64
	mu          sync.Mutex
	rng         *rand.Rand
}

func newPipe(lossRate, corruptRate float64, seed int64) (*pipeLink, *pipeLink) {
	a := &pipeLink{
		remote:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 40000},
		in:          make(chan []byte, 4096),
		lossRate:    lossRate,
		corruptRate: corruptRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
	b := &pipeLink{
		remote:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7080},
		in:          make(chan []byte, 4096),
		lossRate:    lossRate,
		corruptRate: corruptRate,
		rng:         rand.New(rand.NewSource(seed + 1)),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (l *pipeLink) RemoteAddr() net.Addr { return l.remote }

func (l *pipeLink) Send(seg *Segment) error {
	frame, err := seg.Marshal()
	if err != nil {
		return err
	}

	l.mu.Lock()
	lost := l.rng.Float64() < l.lossRate
	if !lost && l.rng.Float64() < l.corruptRate {
		bit := l.rng.Intn(len(frame) * 8)
		frame[bit/8] ^= 1 << (bit % 8)
	}
	l.mu.Unlock()

	if lost {
		return nil
	}
	select {
	case l.peer.in <- frame:
	default:
	}
	return nil
}

func (l *pipeLink) Recv(ctx context.Context, timeout time.Duration) (*Segment, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, &TimeoutError{msg: "pipe timeout"}
	case frame := <-l.in:
		return Decode(frame)
	}
}

func testConnectionConfig() *ConnectionConfig {
	config := DefaultConnectionConfig()
	config.WindowSize = 4
	config.MaxPayload = 64
	config.HandshakeTimeout = 100 * time.Millisecond
	config.HandshakeRetryInterval = 10 * time.Millisecond
	config.RetransmitTimeout = 20 * time.Millisecond
	config.FinTimeout = 20 * time.Millisecond
	config.FinLinger = 2 * time.Second
	return config
}
