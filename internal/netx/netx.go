// Package netx provides a dialer for measurement connections. Connections
// can be bound to a source address and count the bytes they move.
package netx

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Dialer dials TCP connections wrapped into a Conn.
type Dialer struct {
	dialer   net.Dialer
	counters *Counters
}

// NewDialer returns a Dialer. If sourceAddr is not empty, connections are
// bound to it. sourceAddr is an IP address, optionally with a port.
func NewDialer(sourceAddr string, timeout time.Duration) (*Dialer, error) {
	d := &Dialer{
		dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		},
		counters: &Counters{},
	}
	if sourceAddr != "" {
		addr, err := resolveSource(sourceAddr)
		if err != nil {
			return nil, err
		}
		d.dialer.LocalAddr = addr
	}
	return d, nil
}

func resolveSource(sourceAddr string) (*net.TCPAddr, error) {
	host, port, err := net.SplitHostPort(sourceAddr)
	if err != nil {
		// No port: the whole string must be an IP.
		host, port = sourceAddr, "0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid source address: %q", sourceAddr)
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(ip.String(), port))
	if err != nil {
		return nil, fmt.Errorf("invalid source address %q: %w", sourceAddr, err)
	}
	return addr, nil
}

// DialContext dials the given address and returns the connection as a Conn.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return FromConn(conn, d.counters), nil
}

// Counters returns the byte counters shared by every connection dialed by d.
func (d *Dialer) Counters() *Counters {
	return d.counters
}

// LocalAddr returns the configured source address, or nil.
func (d *Dialer) LocalAddr() net.Addr {
	return d.dialer.LocalAddr
}
