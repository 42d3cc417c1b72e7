package trace

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

const snapLen = 65536

// PcapWriter records datagrams as raw IP/UDP packets so a capture of the
// transfer can be opened in Wireshark or replayed through gopacket.
type PcapWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *pcapgo.Writer
}

func NewPcapWriter(path string) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create pcap file")
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &PcapWriter{file: f, writer: w}, nil
}

// Trace writes one datagram travelling from src to dst. Failures are returned
// but never affect the transfer itself.
func (p *PcapWriter) Trace(src, dst net.Addr, data []byte) error {
	frame, err := Frame(src, dst, data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return errors.New("pcap writer closed")
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	return p.writer.WritePacket(ci, frame)
}

func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return nil
	}
	p.writer = nil
	return p.file.Close()
}

// Frame wraps a UDP payload in synthetic IP and UDP headers.
func Frame(src, dst net.Addr, data []byte) ([]byte, error) {
	srcIP, srcPort := splitAddr(src)
	dstIP, dstPort := splitAddr(dst)

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	var network gopacket.SerializableLayer
	if srcIP.To4() != nil && dstIP.To4() != nil {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    srcIP.To4(),
			DstIP:    dstIP.To4(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolUDP,
			HopLimit:   64,
			SrcIP:      srcIP.To16(),
			DstIP:      dstIP.To16(),
		}
		udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, network, udp, gopacket.Payload(data)); err != nil {
		return nil, errors.Wrap(err, "serialize trace frame")
	}
	return buf.Bytes(), nil
}

func splitAddr(addr net.Addr) (net.IP, int) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok && udpAddr != nil {
		ip := udpAddr.IP
		if ip == nil || (ip.IsUnspecified() && ip.To4() == nil) {
			ip = net.IPv4zero
		}
		return ip, udpAddr.Port
	}
	return net.IPv4zero, 0
}
