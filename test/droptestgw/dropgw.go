/*
Droptestgw is a lossy UDP relay for exercising the transfer protocol.

Point the client at the gateway instead of the server. Every client address
gets its own upstream socket towards the target, so the server sees one peer
per client. Datagrams in both directions are randomly dropped, corrupted by
a single bit flip, duplicated or delayed (which reorders them).

Usage:
  ./droptestgw [options]
  Options:
    -ip string        Gateway IP address (default "127.0.0.1")
    -port int         Gateway port number (default 7081)
    -target string    Target server address (default "127.0.0.1:7080")
    -droprate float   Datagram drop rate (default 0.1)
    -corruptrate float
    -duprate float
    -delay duration   Maximum extra delay per datagram
    -pcap string      Record relayed datagrams to this capture file
*/

package main

import (
	"context"
	"flag"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/Clouded-Sabre/Reliable-UDP/lib/trace"
	"github.com/pkg/errors"
)

var (
	gatewayIP   string
	gatewayPort int
	targetAddr  string
	dropRate    float64
	corruptRate float64
	dupRate     float64
	maxDelay    time.Duration
	pcapPath    string
	debug       bool
)

func init() {
	flag.StringVar(&gatewayIP, "ip", "127.0.0.1", "Gateway IP address")
	flag.IntVar(&gatewayPort, "port", 7081, "Gateway port number")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:7080", "Target server address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Datagram drop rate (0.0-1.0)")
	flag.Float64Var(&corruptRate, "corruptrate", 0.05, "Single bit corruption rate (0.0-1.0)")
	flag.Float64Var(&dupRate, "duprate", 0.02, "Duplication rate (0.0-1.0)")
	flag.DurationVar(&maxDelay, "delay", 0, "Maximum extra delay per datagram")
	flag.StringVar(&pcapPath, "pcap", "", "Record relayed datagrams to this capture file")
	flag.BoolVar(&debug, "debug", false, "Log every datagram")
	flag.Parse()
}

// impairment decides the fate of each relayed datagram.
type impairment struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// apply returns the copies of data to deliver, each with its delay.
func (im *impairment) apply(data []byte) ([][]byte, []time.Duration) {
	im.mu.Lock()
	defer im.mu.Unlock()

	if im.rng.Float64() < dropRate {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	if len(out) > 0 && im.rng.Float64() < corruptRate {
		bit := im.rng.Intn(len(out) * 8)
		out[bit/8] ^= 1 << (bit % 8)
	}
	copies := [][]byte{out}
	if im.rng.Float64() < dupRate {
		copies = append(copies, out)
	}
	delays := make([]time.Duration, len(copies))
	if maxDelay > 0 {
		for i := range delays {
			delays[i] = time.Duration(im.rng.Int63n(int64(maxDelay)))
		}
	}
	return copies, delays
}

type gateway struct {
	listener *net.UDPConn
	target   *net.UDPAddr
	imp      *impairment
	tracer   lib.Tracer
	mu       sync.Mutex
	upstream map[string]*net.UDPConn // keyed by client address
	wg       sync.WaitGroup
}

// relay forwards one datagram, applying impairments. send must be safe to
// call from a timer goroutine.
func (g *gateway) relay(data []byte, src, dst net.Addr, send func([]byte) error) {
	copies, delays := g.imp.apply(data)
	if len(copies) == 0 {
		lib.LogInfo("Dropped %s from %s", trace.Describe(data), src)
		return
	}
	for i, c := range copies {
		c := c
		deliver := func() {
			if err := send(c); err != nil {
				lib.LogWarning("Relay %s -> %s failed: %v", src, dst, err)
				return
			}
			if g.tracer != nil {
				g.tracer.Trace(src, dst, c)
			}
			lib.LogDebug("Relayed %s from %s to %s", trace.Describe(c), src, dst)
		}
		if delays[i] > 0 {
			time.AfterFunc(delays[i], deliver)
		} else {
			deliver()
		}
	}
}

func (g *gateway) upstreamFor(ctx context.Context, client *net.UDPAddr) (*net.UDPConn, error) {
	key := client.String()

	g.mu.Lock()
	defer g.mu.Unlock()
	if up, ok := g.upstream[key]; ok {
		return up, nil
	}
	up, err := net.DialUDP("udp", nil, g.target)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", g.target)
	}
	g.upstream[key] = up
	lib.LogInfo("New client %s relayed through %s", client, up.LocalAddr())

	g.wg.Add(1)
	go g.fromServer(ctx, up, client)
	return up, nil
}

// fromServer relays the server's datagrams back to one client.
func (g *gateway) fromServer(ctx context.Context, up *net.UDPConn, client *net.UDPAddr) {
	defer g.wg.Done()

	buf := make([]byte, lib.MaxSegmentSize)
	for {
		n, err := up.Read(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				lib.LogWarning("Read from server for %s failed: %v", client, err)
			}
			return
		}
		g.relay(buf[:n], g.target, client, func(b []byte) error {
			_, err := g.listener.WriteToUDP(b, client)
			return err
		})
	}
}

func (g *gateway) fromClients(ctx context.Context) {
	buf := make([]byte, lib.MaxSegmentSize)
	for {
		n, client, err := g.listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				lib.LogError("Gateway read failed: %v", err)
			}
			return
		}
		up, err := g.upstreamFor(ctx, client)
		if err != nil {
			lib.LogWarning("%v", err)
			continue
		}
		g.relay(buf[:n], client, g.target, func(b []byte) error {
			_, err := up.Write(b)
			return err
		})
	}
}

func (g *gateway) close() {
	g.listener.Close()
	g.mu.Lock()
	for _, up := range g.upstream {
		up.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func main() {
	if debug {
		lib.EnableDebug()
	}

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		lib.LogError("Invalid target address %s: %v", targetAddr, err)
		os.Exit(1)
	}
	listenAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(gatewayIP, strconv.Itoa(gatewayPort)))
	if err != nil {
		lib.LogError("Invalid gateway address: %v", err)
		os.Exit(1)
	}
	listener, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		lib.LogError("Gateway error listening at %s: %v", listenAddr, err)
		os.Exit(1)
	}

	tracer, closeTracer, err := trace.Open(pcapPath, target.Port)
	if err != nil {
		lib.LogError("Trace file error: %v", err)
		os.Exit(1)
	}
	defer closeTracer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &gateway{
		listener: listener,
		target:   target,
		imp:      &impairment{rng: rand.New(rand.NewSource(time.Now().UnixNano()))},
		tracer:   tracer,
		upstream: make(map[string]*net.UDPConn),
	}
	lib.LogInfo("Gateway started at %s for %s (drop %.1f%%, corrupt %.1f%%, duplicate %.1f%%, delay up to %s)",
		listenAddr, target, dropRate*100, corruptRate*100, dupRate*100, maxDelay)

	go func() {
		<-ctx.Done()
		lib.LogInfo("Received signal. Shutting down...")
		g.close()
	}()

	g.fromClients(ctx)
	lib.LogInfo("Gateway exiting...")
}
