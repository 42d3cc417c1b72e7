/*
Client downloads one file from a server.

The client announces itself to the server's well-known port until the server
opens a connection, then receives the file in order and writes it to disk.
In metadata mode the server sends its file name first and the file is saved
under that name inside the output directory; otherwise it is saved at the
output path as given. When -metadata is not on the command line the client
asks for it interactively.

Usage:
  ./client [options] [PORT FILE_PATH]
  Options:
    -host string    Server host (default "127.0.0.1")
    -port int       Server port (default 7080)
    -out string     Output file, or output directory in metadata mode (default "received.txt")
    -metadata       Ask the server for the file name
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
	"strconv"
	"syscall"

	"github.com/Clouded-Sabre/Reliable-UDP/config"
	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/Clouded-Sabre/Reliable-UDP/lib/client"
	"github.com/Clouded-Sabre/Reliable-UDP/lib/trace"
	"github.com/pterm/pterm"
)

var (
	serverHost   string
	serverPort   int
	outPath      string
	wantMetadata bool
	configPath   string
	debug        bool
)

func init() {
	flag.StringVar(&serverHost, "host", "127.0.0.1", "Server host")
	flag.IntVar(&serverPort, "port", config.DefaultServerPort, "Server port")
	flag.StringVar(&outPath, "out", "received.txt", "Output file, or output directory in metadata mode")
	flag.BoolVar(&wantMetadata, "metadata", false, "Ask the server for the file name")
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
		serverPort = p
		outPath = flag.Arg(1)
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

	if !flagGiven("metadata") {
		wantMetadata = askForMetadata()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, closeTracer, err := trace.Open(endpointConfig.PcapFile, serverPort)
	if err != nil {
		lib.LogError("Trace file error: %v", err)
		os.Exit(1)
	}
	defer closeTracer()

	c, err := client.Dial(net.JoinHostPort(serverHost, strconv.Itoa(serverPort)), endpointConfig, tracer)
	if err != nil {
		lib.LogError("Client error: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	pterm.Info.Printfln("CLIENT %s downloading from %s:%d", c.LocalAddr(), serverHost, serverPort)
	c.Stats().StartStatsReporter(ctx, endpointConfig.StatsInterval)

	result, err := c.Download(ctx, outPath, wantMetadata)
	if err != nil {
		lib.LogError("Download failed: %v", err)
		c.Close()
		os.Exit(1)
	}
	lib.LogInfo("%d bytes in %d segments saved to %s in %s", result.Bytes, result.Segments, result.Path, result.Duration)
	lib.LogInfo("%s", c.Stats().String())
}

func flagGiven(name string) bool {
	given := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			given = true
		}
	})
	return given
}

func askForMetadata() bool {
	answer, err := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Request file metadata from the server?").
		WithDefaultValue(false).
		Show()
	if err != nil {
		lib.LogWarning("Prompt failed, metadata not requested: %v", err)
		return false
	}
	return answer
}
