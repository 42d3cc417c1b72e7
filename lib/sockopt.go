package lib

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// ApplySocketOptions sets the IPv4 TOS and TTL requested by config on conn.
func ApplySocketOptions(conn *net.UDPConn, config *EndpointConfig) error {
	if config.TOS == 0 && config.TTL == 0 {
		return nil
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() == nil && !addr.IP.IsUnspecified() {
		LogWarning("TOS/TTL only apply to IPv4 sockets, %s left unchanged", addr)
		return nil
	}

	pc := ipv4.NewConn(conn)
	if config.TOS > 0 {
		if err := pc.SetTOS(config.TOS); err != nil {
			return errors.Wrap(err, "set TOS")
		}
	}
	if config.TTL > 0 {
		if err := pc.SetTTL(config.TTL); err != nil {
			return errors.Wrap(err, "set TTL")
		}
	}
	return nil
}
