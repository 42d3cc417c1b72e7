package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/pkg/errors"
)

// ErrNoData is returned when the sender closed the transfer without data.
var ErrNoData = errors.New("no data received")

// Client is the receiving side. It announces itself to the sender, answers
// the sender's handshake and reassembles the file.
type Client struct {
	conn   *net.UDPConn
	server *net.UDPAddr
	config *lib.EndpointConfig
	stats  *lib.Stats
	link   *lib.UDPLink
}

// Result describes a completed download.
type Result struct {
	Path     string
	Bytes    int
	Segments uint32
	Duration time.Duration
}

// Dial opens an ephemeral socket for talking to the sender at serverAddr.
// tracer may be nil.
func Dial(serverAddr string, config *lib.EndpointConfig, tracer lib.Tracer) (*Client, error) {
	server, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", serverAddr)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "open socket")
	}
	if err := lib.ApplySocketOptions(conn, config); err != nil {
		lib.LogWarning("Socket options not applied: %v", err)
	}
	return NewClient(conn, server, config, tracer), nil
}

// NewClient uses conn, which it takes over, to talk to server.
func NewClient(conn *net.UDPConn, server *net.UDPAddr, config *lib.EndpointConfig, tracer lib.Tracer) *Client {
	stats := lib.NewStats()
	pool := lib.NewPayloadPool("Client: ", config)
	return &Client{
		conn:   conn,
		server: server,
		config: config,
		stats:  stats,
		link:   lib.NewUDPLink(conn, server, pool, config.ConnConfig, stats, tracer),
	}
}

func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Client) Stats() *lib.Stats {
	return c.stats
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Download receives one file. dest is the output file, or the output
// directory when wantMetadata is set, in which case the sender's file name is
// appended. Nothing is left at the destination when the download fails.
func (c *Client) Download(ctx context.Context, dest string, wantMetadata bool) (*Result, error) {
	start := time.Now()

	conn, err := lib.NewConnection(c.link, lib.Responder, c.config.ConnConfig, c.stats)
	if err != nil {
		return nil, err
	}
	conn.WantsMetadata = wantMetadata

	if err := c.handshake(ctx, conn, wantMetadata); err != nil {
		return nil, err
	}
	lib.LogSuccess("Three way handshake successful! Waiting data from server...")

	transfer, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}

	path, err := WriteArtifact(dest, transfer, wantMetadata)
	if err != nil {
		// still answer FIN retransmissions so the sender can finish
		conn.Linger(ctx, c.config.ConnConfig.FinLinger)
		return nil, err
	}
	lib.LogSuccess("Data received successfully! File saved at %s", path)

	conn.Linger(ctx, c.config.ConnConfig.FinLinger)
	return &Result{
		Path:     path,
		Bytes:    len(transfer.Data),
		Segments: transfer.Segments,
		Duration: time.Since(start),
	}, nil
}

// handshake announces the client until the sender's SYN shows up and retries
// Accept up to MaxAcceptAttempts times.
func (c *Client) handshake(ctx context.Context, conn *lib.Connection, wantMetadata bool) error {
	var discovery []byte
	if wantMetadata {
		discovery = []byte(lib.MetadataSentinel)
	}

	for attempt := 1; ; attempt++ {
		announceCtx, cancel := context.WithCancel(ctx)
		go c.announce(announceCtx, discovery)
		err := conn.Accept(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lib.LogWarning("Three way handshake failed (attempt %d): %v", attempt, err)
		if limit := c.config.MaxAcceptAttempts; limit > 0 && attempt >= limit {
			return errors.Wrapf(err, "giving up after %d attempts", attempt)
		}
	}
}

// announce sends the discovery datagram every DiscoveryInterval until ctx ends.
func (c *Client) announce(ctx context.Context, discovery []byte) {
	ticker := time.NewTicker(c.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		if err := c.link.SendRaw(discovery, 0); err != nil {
			lib.LogWarning("Discovery to %s failed: %v", c.server, err)
		} else {
			lib.LogDebug("Client %s connecting to server %s", c.conn.LocalAddr(), c.server)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WriteArtifact stores a finished transfer and returns the path written.
// A transfer without data, or a failed write, leaves no file behind.
func WriteArtifact(dest string, transfer *lib.Transfer, wantMetadata bool) (string, error) {
	path := dest
	if wantMetadata {
		name := filepath.Base(transfer.Filename)
		if transfer.Filename == "" || name == "." || name == ".." || name == string(filepath.Separator) {
			return "", errors.Errorf("invalid file name %q from sender", transfer.Filename)
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return "", errors.Wrapf(err, "create %s", dest)
		}
		path = filepath.Join(dest, name)
	}
	if len(transfer.Data) == 0 {
		return path, ErrNoData
	}

	f, err := os.Create(path)
	if err != nil {
		return path, errors.Wrapf(err, "create %s", path)
	}
	if _, err := f.Write(transfer.Data); err != nil {
		f.Close()
		os.Remove(path)
		return path, errors.Wrapf(err, "write %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return path, errors.Wrapf(err, "close %s", path)
	}
	return path, nil
}
