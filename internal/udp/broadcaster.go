// Package udp sends telemetry batches to the ground station over UDP.
// Datagrams are fire-and-forget: a missed batch is cheaper than blocking the
// control loop.
package udp

import (
	"fmt"
	"net"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
}

func NewBroadcaster(dest string) (*Broadcaster, error) {
	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	}
	return newBroadcaster(dest, net.ResolveUDPAddr, dial)
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}

	return &Broadcaster{
		dest: dest,
		conn: conn,
	}, nil
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
