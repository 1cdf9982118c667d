// Package coordinator wires the Datagram Endpoint to the Request
// Lifecycle Engine: it owns the UDP socket, parses and dispatches
// inbound frames, and serializes outbound sends.
package coordinator

import (
	"context"
	"log"
	"net"
	"sync"

	"github.com/rishav/p2p-market/internal/ratelimit"
	"github.com/rishav/p2p-market/internal/wire"
)

// Dispatcher handles one parsed inbound frame. Implemented by Coordinator.
type Dispatcher interface {
	Dispatch(frame wire.Frame, src *net.UDPAddr)
}

// Endpoint is the single bound UDP socket for all control-plane traffic.
type Endpoint struct {
	conn *net.UDPConn

	sendMu sync.Mutex

	dispatcher Dispatcher
	gate       *ratelimit.Gate
}

// Listen binds addr (e.g. ":9000") and returns an Endpoint ready to Run.
func Listen(addr string, dispatcher Dispatcher, gate *ratelimit.Gate) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Endpoint{conn: conn, dispatcher: dispatcher, gate: gate}, nil
}

// Run blocks reading frames until ctx is cancelled or the socket errors.
// Each inbound frame spawns its own goroutine so a handler blocked on the
// lifecycle mutex never head-of-line-blocks the receiver.
func (e *Endpoint) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.conn.Close()
	}()

	buf := make([]byte, wire.MaxFrameBytes+1)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		line := make([]byte, n)
		copy(line, buf[:n])
		go e.handle(line, src)
	}
}

func (e *Endpoint) handle(line []byte, src *net.UDPAddr) {
	if e.gate != nil && !e.gate.Allow(context.Background(), src.String()) {
		log.Printf("rate limit: dropping frame from %s", src)
		return
	}

	frame, err := wire.ParseDatagram(line)
	if err != nil {
		log.Printf("protocol error from %s: %v", src, err)
		return
	}
	e.dispatcher.Dispatch(frame, src)
}

// SendTo implements lifecycle.Sender: writes are serialized by sendMu, a
// mutex that's never contended with the lifecycle engine's own lock, so
// the single socket's writes stay atomic without adding to engine latency.
func (e *Endpoint) SendTo(frame wire.Frame, addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if _, err := e.conn.WriteToUDP([]byte(frame.Encode()), addr); err != nil {
		log.Printf("send %s to %s: %v", frame.Verb(), addr, err)
	}
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// LocalAddr returns the bound socket address, useful when ListenAddr uses
// an ephemeral port (":0") such as in tests.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}
