package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

// Peer is a receiver that asked for the file.
type Peer struct {
	ID            uuid.UUID // session id used in logs and results
	Addr          *net.UDPAddr
	WantsMetadata bool // peer wants the file name in segment 0
}

// PeerResult is the outcome of serving one peer.
type PeerResult struct {
	Peer     Peer
	Attempts int   // handshake attempts
	Segments int   // data segments delivered, metadata segment included
	Bytes    int64 // file bytes delivered
	Duration time.Duration
	Err      error
}

// Server is the sending side: it owns the well-known socket, learns peers
// from their discovery datagrams and delivers the file to each of them.
type Server struct {
	conn   *net.UDPConn
	config *lib.EndpointConfig
	pool   *lib.PayloadPool
	demux  *lib.Demux
	stats  *lib.Stats
}

// Listen binds addr and starts a Server on it. tracer may be nil.
func Listen(addr string, config *lib.EndpointConfig, tracer lib.Tracer) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	if err := lib.ApplySocketOptions(conn, config); err != nil {
		lib.LogWarning("Socket options not applied: %v", err)
	}
	return NewServer(conn, config, tracer), nil
}

// NewServer starts serving on an already bound socket, which it takes over.
func NewServer(conn *net.UDPConn, config *lib.EndpointConfig, tracer lib.Tracer) *Server {
	stats := lib.NewStats()
	pool := lib.NewPayloadPool("Server: ", config)
	return &Server{
		conn:   conn,
		config: config,
		pool:   pool,
		demux:  lib.NewDemux(conn, pool, config, stats, tracer),
		stats:  stats,
	}
}

func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) Stats() *lib.Stats {
	return s.stats
}

func (s *Server) Close() error {
	s.demux.Close()
	return s.conn.Close()
}

// Discover collects peers in arrival order. After every new peer it asks
// shouldContinue whether to keep listening; a nil shouldContinue stops after
// the first peer. The wait for a peer has no deadline besides ctx.
func (s *Server) Discover(ctx context.Context, shouldContinue func() bool) ([]Peer, error) {
	var peers []Peer
	seen := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return peers, ctx.Err()
		case disc := <-s.demux.Discoveries():
			key := disc.Addr.String()
			if seen[key] {
				lib.LogDebug("Client %s already listed", key)
				continue
			}
			seen[key] = true

			peer := Peer{ID: uuid.New(), Addr: disc.Addr, WantsMetadata: disc.WantsMetadata}
			peers = append(peers, peer)
			lib.LogInfo("Client %s found (metadata: %t, session %s)", key, peer.WantsMetadata, peer.ID)

			if shouldContinue == nil || !shouldContinue() {
				return peers, nil
			}
		}
	}
}

// Serve delivers src to every peer: handshake until it succeeds, Go-Back-N
// transfer, teardown. A failure with one peer is recorded in its result and
// never stops the others. src is rewound for each peer; name is the file
// name sent to peers that asked for metadata.
func (s *Server) Serve(ctx context.Context, peers []Peer, src io.ReadSeeker, name string) []PeerResult {
	results := make([]PeerResult, len(peers))
	var srcMu sync.Mutex

	if !s.config.ConcurrentSessions {
		for i, peer := range peers {
			results[i] = s.servePeer(ctx, peer, src, name, &srcMu)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.servePeer(ctx, peer, src, name, &srcMu)
		}()
	}
	wg.Wait()
	return results
}

// Run discovers peers and then serves them.
func (s *Server) Run(ctx context.Context, shouldContinue func() bool, src io.ReadSeeker, name string) ([]PeerResult, error) {
	peers, err := s.Discover(ctx, shouldContinue)
	if err != nil {
		return nil, err
	}

	lib.LogInfo("%d clients found:", len(peers))
	for i, peer := range peers {
		lib.LogInfo("%d. %s", i+1, peer.Addr)
	}
	return s.Serve(ctx, peers, src, name), nil
}

func (s *Server) servePeer(ctx context.Context, peer Peer, src io.ReadSeeker, name string, srcMu *sync.Mutex) (result PeerResult) {
	start := time.Now()
	result.Peer = peer
	defer func() {
		result.Duration = time.Since(start)
	}()

	metadataName := ""
	if peer.WantsMetadata {
		metadataName = filepath.Base(name)
	}
	payloads, err := loadPayloads(src, srcMu, s.config.ConnConfig.MaxPayload, metadataName)
	if err != nil {
		result.Err = errors.Wrap(err, "prepare segments")
		lib.LogError("Client %s: %v", peer.Addr, result.Err)
		return result
	}

	link := s.demux.Register(peer.Addr, s.config.ConnConfig)
	defer s.demux.Unregister(peer.Addr)

	conn, err := lib.NewConnection(link, lib.Initiator, s.config.ConnConfig, s.stats)
	if err != nil {
		result.Err = err
		return result
	}
	conn.WantsMetadata = peer.WantsMetadata

	for {
		result.Attempts++
		err := conn.Connect(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}
		lib.LogWarning("Three way handshake with %s failed (attempt %d): %v", peer.Addr, result.Attempts, err)
		if !lib.SleepCtx(ctx, s.config.ConnConfig.HandshakeRetryInterval) {
			result.Err = ctx.Err()
			return result
		}
	}
	lib.LogSuccess("Three way handshake with %s successful, sending %d segments", peer.Addr, len(payloads))

	result.Segments, err = conn.Transmit(ctx, payloads)
	if err != nil {
		result.Err = err
		lib.LogError("Transfer to %s failed after %d segments: %v", peer.Addr, result.Segments, err)
		return result
	}
	for i, p := range payloads {
		if i == 0 && peer.WantsMetadata {
			continue
		}
		result.Bytes += int64(len(p))
	}

	if err := conn.Close(ctx); err != nil {
		// the data is already delivered
		lib.LogWarning("Teardown with %s: %v", peer.Addr, err)
	}
	lib.LogSuccess("File sent to %s: %d bytes in %s", peer.Addr, result.Bytes, time.Since(start).Round(time.Millisecond))
	return result
}

func loadPayloads(src io.ReadSeeker, srcMu *sync.Mutex, maxPayload int, metadataName string) ([][]byte, error) {
	srcMu.Lock()
	defer srcMu.Unlock()

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewind source")
	}
	return lib.Segmentize(src, maxPayload, metadataName)
}

// PrintSummary renders one row per peer.
func PrintSummary(results []PeerResult) error {
	data := pterm.TableData{{"#", "Client", "Session", "Attempts", "Segments", "Bytes", "Time", "Status"}}
	for i, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		data = append(data, []string{
			fmt.Sprint(i + 1),
			r.Peer.Addr.String(),
			r.Peer.ID.String()[:8],
			fmt.Sprint(r.Attempts),
			fmt.Sprint(r.Segments),
			fmt.Sprint(r.Bytes),
			r.Duration.Round(time.Millisecond).String(),
			status,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
