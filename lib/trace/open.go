package trace

import (
	"github.com/Clouded-Sabre/Reliable-UDP/lib"
)

// Open returns a pcap tracer for path, or a nil tracer when path is empty.
// The returned close function is always safe to call.
func Open(path string, port int) (lib.Tracer, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	w, err := NewPcapWriter(path)
	if err != nil {
		return nil, func() {}, err
	}
	if port > 0 {
		RegisterPort(port)
	}
	return w, func() { w.Close() }, nil
}
