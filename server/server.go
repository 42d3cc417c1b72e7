/*
Server sends one file to every client that announces itself.

The server binds a well-known UDP port and waits for discovery datagrams. An
empty datagram is a plain request; a datagram carrying "METADATA" also asks
for the file name, which is then sent as segment 0. After each new client
the server asks whether to keep listening (or stops after -peers clients),
then serves the clients one after another: three-way handshake, Go-Back-N
transfer, FIN/FIN-ACK teardown. A failure with one client never stops the
others. A summary table is printed at the end.

Usage:
  ./server [options] [PORT FILE_PATH]
  Options:
    -ip string      Local IP address to bind (default "0.0.0.0")
    -port int       Service port (default 7080)
    -file string    File to send (default "book.txt")
    -peers int      Stop discovery after this many clients instead of prompting
    -config string  Configuration file (default "config.yaml")
    -debug          Log every segment
*/

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/Clouded-Sabre/Reliable-UDP/lib/server"
	"github.com/Clouded-Sabre/Reliable-UDP/lib/trace"
	"github.com/pterm/pterm"
)

var (
	serviceIP  string
	port       int
	filePath   string
	peerCount  int
	configPath string
	debug      bool
)

func init() {
	flag.StringVar(&serviceIP, "ip", "0.0.0.0", "Local IP address to bind")
	flag.IntVar(&port, "port", config.DefaultServerPort, "Service port")
	flag.StringVar(&filePath, "file", "book.txt", "File to send")
	flag.IntVar(&peerCount, "peers", 0, "Stop discovery after this many clients instead of prompting")
	flag.StringVar(&configPath, "config", config.DefaultFile, "Configuration file")
	flag.BoolVar(&debug, "debug", false, "Log every segment")
	flag.Parse()

	// positional form: PORT FILE_PATH
	if flag.NArg() == 2 {
		p, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			lib.LogError("Invalid port %q: %v", flag.Arg(0), err)
			os.Exit(1)
		}
		port = p
		filePath = flag.Arg(1)
	} else if flag.NArg() != 0 {
		lib.LogError("%d arguments given, expected 2", flag.NArg())
		os.Exit(1)
	}
}

func main() {
	endpointConfig, _, err := config.LoadConfig(configPath)
	if err != nil {
		lib.LogError("Configuration file error: %v", err)
		os.Exit(1)
	}
	if debug || endpointConfig.Debug {
		lib.EnableDebug()
	}

	file, err := os.Open(filePath)
	if err != nil {
		lib.LogError("Error opening file: %v", err)
		os.Exit(1)
	}
	defer file.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, closeTracer, err := trace.Open(endpointConfig.PcapFile, port)
	if err != nil {
		lib.LogError("Trace file error: %v", err)
		os.Exit(1)
	}
	defer closeTracer()

	srv, err := server.Listen(net.JoinHostPort(serviceIP, strconv.Itoa(port)), endpointConfig, tracer)
	if err != nil {
		lib.LogError("Server error: %v", err)
		os.Exit(1)
	}
	defer srv.Close()

	pterm.Info.Printfln("SERVER listening on %s, serving %s", srv.LocalAddr(), filePath)
	srv.Stats().StartStatsReporter(ctx, endpointConfig.StatsInterval)

	shouldContinue := askForMore
	if peerCount > 0 {
		shouldContinue = untilCount(peerCount)
	}

	results, err := srv.Run(ctx, shouldContinue, file, filepath.Base(filePath))
	if err != nil {
		lib.LogError("Discovery stopped: %v", err)
		return
	}
	if err := server.PrintSummary(results); err != nil {
		lib.LogWarning("Summary not printed: %v", err)
	}
	lib.LogInfo("%s", srv.Stats().String())
}

func askForMore() bool {
	more, err := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Listen for more clients?").
		WithDefaultValue(false).
		Show()
	if err != nil {
		lib.LogWarning("Prompt failed, discovery stops: %v", err)
		return false
	}
	return more
}

func untilCount(n int) func() bool {
	found := 0
	return func() bool {
		found++
		return found < n
	}
}
