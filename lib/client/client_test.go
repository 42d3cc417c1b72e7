package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/pkg/errors"
)

func TestWriteArtifact(t *testing.T) {
	testCases := []struct {
		name         string
		transfer     *lib.Transfer
		wantMetadata bool
		expectedPath string
		expectedErr  bool
	}{
		{
			name:         "plain",
			transfer:     &lib.Transfer{Data: []byte("hello")},
			expectedPath: "out.txt",
		},
		{
			name:         "metadata",
			transfer:     &lib.Transfer{Data: []byte("hello"), Filename: "book.txt"},
			wantMetadata: true,
			expectedPath: filepath.Join("downloads", "book.txt"),
		},
		{
			name:         "metadata with directories",
			transfer:     &lib.Transfer{Data: []byte("hello"), Filename: "../../etc/book.txt"},
			wantMetadata: true,
			expectedPath: filepath.Join("downloads", "book.txt"),
		},
		{
			name:         "metadata naming the parent directory",
			transfer:     &lib.Transfer{Data: []byte("hello"), Filename: ".."},
			wantMetadata: true,
			expectedErr:  true,
		},
		{
			name:         "metadata ending in parent directory",
			transfer:     &lib.Transfer{Data: []byte("hello"), Filename: "books/.."},
			wantMetadata: true,
			expectedErr:  true,
		},
		{
			name:         "metadata naming the current directory",
			transfer:     &lib.Transfer{Data: []byte("hello"), Filename: "."},
			wantMetadata: true,
			expectedErr:  true,
		},
		{
			name:         "metadata without name",
			transfer:     &lib.Transfer{Data: []byte("hello")},
			wantMetadata: true,
			expectedErr:  true,
		},
	}

	for _, tc := range testCases {
		dir := t.TempDir()
		dest := filepath.Join(dir, "out.txt")
		if tc.wantMetadata {
			dest = filepath.Join(dir, "downloads")
		}

		path, err := WriteArtifact(dest, tc.transfer, tc.wantMetadata)
		if tc.expectedErr {
			if err == nil {
				t.Errorf("For %s, expected an error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("For %s, unexpected error: %v", tc.name, err)
			continue
		}
		if path != filepath.Join(dir, tc.expectedPath) {
			t.Errorf("For %s, expected path %s, but got %s", tc.name, filepath.Join(dir, tc.expectedPath), path)
		}
		data, err := os.ReadFile(path)
		if err != nil || string(data) != "hello" {
			t.Errorf("For %s, expected file content %q, but got %q (%v)", tc.name, "hello", data, err)
		}
	}
}

func TestWriteArtifactNoData(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out.txt")
	_, err := WriteArtifact(dest, &lib.Transfer{}, false)
	if !errors.Is(err, ErrNoData) {
		t.Errorf("Expected ErrNoData, but got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("Expected no file at %s", dest)
	}
}

// The client keeps announcing itself until a SYN shows up.
func TestDownloadAnnounces(t *testing.T) {
	config := lib.DefaultEndpointConfig()
	config.DiscoveryInterval = 20 * time.Millisecond
	config.StatsInterval = 0

	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	c, err := Dial(sender.LocalAddr().String(), config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := c.Download(ctx, t.TempDir(), true)
		done <- err
	}()

	buf := make([]byte, lib.MaxSegmentSize)
	sender.SetReadDeadline(time.Now().Add(time.Second))
	for i := 0; i < 3; i++ {
		n, _, err := sender.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("Expected discovery %d, but got %v", i, err)
		}
		if string(buf[:n]) != lib.MetadataSentinel {
			t.Errorf("Expected %q, but got %q", lib.MetadataSentinel, buf[:n])
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, but got %v", err)
	}
}
