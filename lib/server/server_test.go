package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/Clouded-Sabre/Reliable-UDP/lib/client"
	"github.com/pkg/errors"
)

func testConfig() *lib.EndpointConfig {
	config := lib.DefaultEndpointConfig()
	config.DiscoveryInterval = 50 * time.Millisecond
	config.StatsInterval = 0
	config.ConnConfig.WindowSize = 8
	config.ConnConfig.MaxPayload = 512
	config.ConnConfig.HandshakeTimeout = 200 * time.Millisecond
	config.ConnConfig.HandshakeRetryInterval = 20 * time.Millisecond
	config.ConnConfig.RetransmitTimeout = 50 * time.Millisecond
	config.ConnConfig.FinTimeout = 50 * time.Millisecond
	config.ConnConfig.FinLinger = 300 * time.Millisecond
	return config
}

func untilCount(n int) func() bool {
	found := 0
	return func() bool {
		found++
		return found < n
	}
}

type download struct {
	name   string
	result *client.Result
	err    error
}

func runTransfer(t *testing.T, config *lib.EndpointConfig, metadata []bool) ([]PeerResult, []download, []byte, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := Listen("127.0.0.1:0", config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	content := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 300)
	dir := t.TempDir()

	downloads := make(chan download, len(metadata))
	for i, wantMetadata := range metadata {
		c, err := client.Dial(srv.LocalAddr().String(), config, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()

		name := fmt.Sprintf("client-%d", i)
		dest := filepath.Join(dir, name+".txt")
		if wantMetadata {
			dest = filepath.Join(dir, name)
		}
		go func() {
			result, err := c.Download(ctx, dest, wantMetadata)
			downloads <- download{name: name, result: result, err: err}
		}()
	}

	results, err := srv.Run(ctx, untilCount(len(metadata)), bytes.NewReader(content), "/srv/files/book.txt")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var received []download
	for range metadata {
		received = append(received, <-downloads)
	}
	return results, received, content, dir
}

func checkTransfer(t *testing.T, results []PeerResult, received []download, content []byte, dir string, metadata []bool) {
	t.Helper()
	if len(results) != len(metadata) {
		t.Fatalf("Expected %d results, but got %d", len(metadata), len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("For %s, unexpected error: %v", r.Peer.Addr, r.Err)
		}
		if r.Bytes != int64(len(content)) {
			t.Errorf("For %s, expected %d bytes, but got %d", r.Peer.Addr, len(content), r.Bytes)
		}
	}

	for _, d := range received {
		if d.err != nil {
			t.Errorf("For %s, unexpected download error: %v", d.name, d.err)
			continue
		}
		expectedPath := filepath.Join(dir, d.name+".txt")
		if filepath.Dir(d.result.Path) == filepath.Join(dir, d.name) {
			expectedPath = filepath.Join(dir, d.name, "book.txt")
		}
		if d.result.Path != expectedPath {
			t.Errorf("For %s, expected path %s, but got %s", d.name, expectedPath, d.result.Path)
		}
		data, err := os.ReadFile(d.result.Path)
		if err != nil {
			t.Errorf("For %s, unexpected read error: %v", d.name, err)
			continue
		}
		if !bytes.Equal(data, content) {
			t.Errorf("For %s, expected %d bytes, but got %d", d.name, len(content), len(data))
		}
	}
}

func TestServeSequential(t *testing.T) {
	metadata := []bool{false, true}
	results, received, content, dir := runTransfer(t, testConfig(), metadata)
	checkTransfer(t, results, received, content, dir, metadata)
}

func TestServeConcurrent(t *testing.T) {
	config := testConfig()
	config.ConcurrentSessions = true
	metadata := []bool{true, false, true}
	results, received, content, dir := runTransfer(t, config, metadata)
	checkTransfer(t, results, received, content, dir, metadata)
}

// vanishingPeer asks for the file, completes the handshake and then never
// answers again.
func vanishingPeer(t *testing.T, serverAddr net.Addr) (*net.UDPConn, <-chan error) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.WriteToUDP(nil, serverAddr.(*net.UDPAddr)); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, lib.MaxSegmentSize)
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				done <- err
				return
			}
			seg, err := lib.Decode(buf[:n])
			if err != nil || !seg.Is(lib.SYNFlag) {
				continue
			}
			frame, err := lib.Encode(lib.ResponderISN, lib.SeqIncrement(seg.SequenceNumber), lib.SynAckFlag, nil)
			if err == nil {
				_, err = conn.WriteToUDP(frame, from)
			}
			done <- err
			return
		}
	}()
	return conn, done
}

func TestServeIsolatesFailedPeer(t *testing.T) {
	config := testConfig()
	config.ConnConfig.MaxRetransmits = 3

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv, err := Listen("127.0.0.1:0", config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	vanishing, handshook := vanishingPeer(t, srv.LocalAddr())
	defer vanishing.Close()

	// the vanishing peer must be discovered first
	time.Sleep(50 * time.Millisecond)
	c, err := client.Dial(srv.LocalAddr().String(), config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	dest := filepath.Join(t.TempDir(), "out.txt")
	downloaded := make(chan download, 1)
	go func() {
		result, err := c.Download(ctx, dest, false)
		downloaded <- download{name: "client", result: result, err: err}
	}()

	content := bytes.Repeat([]byte("The quick brown fox jumps over the lazy dog. "), 300)
	results, err := srv.Run(ctx, untilCount(2), bytes.NewReader(content), "book.txt")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := <-handshook; err != nil {
		t.Fatalf("Vanishing peer failed its handshake: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("Expected 2 results, but got %d", len(results))
	}
	if results[0].Peer.Addr.Port != vanishing.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("Expected the vanishing peer first, but got %s", results[0].Peer.Addr)
	}
	if !errors.Is(results[0].Err, lib.ErrTransfer) {
		t.Errorf("For %s, expected %v, but got %v", results[0].Peer.Addr, lib.ErrTransfer, results[0].Err)
	}
	if results[1].Err != nil || results[1].Bytes != int64(len(content)) {
		t.Errorf("For %s, expected %d bytes and no error, but got %d (%v)", results[1].Peer.Addr, len(content), results[1].Bytes, results[1].Err)
	}

	d := <-downloaded
	if d.err != nil {
		t.Fatalf("Unexpected download error: %v", d.err)
	}
	data, err := os.ReadFile(d.result.Path)
	if err != nil || !bytes.Equal(data, content) {
		t.Errorf("Expected %d bytes at %s, but got %d (%v)", len(content), d.result.Path, len(data), err)
	}
}

func TestDiscoverStopsAfterFirstPeer(t *testing.T) {
	config := testConfig()
	srv, err := Listen("127.0.0.1:0", config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	c, err := client.Dial(srv.LocalAddr().String(), config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Download(ctx, filepath.Join(t.TempDir(), "out"), true)

	peers, err := srv.Discover(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || !peers[0].WantsMetadata || peers[0].Addr.Port != c.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("Expected one metadata peer at %s, but got %+v", c.LocalAddr(), peers)
	}
}

func TestDiscoverCancelled(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := srv.Discover(ctx, nil); err != context.DeadlineExceeded {
		t.Errorf("Expected context.DeadlineExceeded, but got %v", err)
	}
}
