package peerproc

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/rishav/p2p-market/internal/wire"
)

// Profile is the billing/shipping identity a peer presents during
// INFORM_Res. original_source/peer.py hardcodes this as a literal stub
// string; here it is a real, per-peer value supplied at startup.
type Profile struct {
	CCNumber string
	CCExpiry string
	Address  string
}

// Config describes one participant: its registered identity, the address
// the coordinator is reachable at, and the inventory it sells from.
type Config struct {
	Name          string
	CoordinatorAddr string
	UDPListenAddr string // address this peer's own UDP socket binds, e.g. "127.0.0.1:6001"
	StreamListenAddr string // address this peer's TCP listener binds, e.g. "127.0.0.1:6501"
	Profile       Profile
}

// Participant is the Peer Participant: it answers SEARCH/NEGOTIATE/FOUND
// datagrams from its own inventory and serves the
// INFORM_Req/Shipping_Info/CANCEL side of a transaction on every TCP
// stream connection it accepts.
type Participant struct {
	cfg  Config
	inv  *Inventory
	conn *net.UDPConn

	mu          sync.Mutex
	coordinator *net.UDPAddr
	registered  bool
	streamAddr  *net.TCPAddr
}

// New creates a Participant bound to its configured UDP address. It does
// not register or start the stream listener yet; call Run.
func New(cfg Config, inv *Inventory) (*Participant, error) {
	coordAddr, err := net.ResolveUDPAddr("udp", cfg.CoordinatorAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve coordinator addr: %w", err)
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.UDPListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.UDPListenAddr, err)
	}
	return &Participant{
		cfg:         cfg,
		inv:         inv,
		conn:        conn,
		coordinator: coordAddr,
	}, nil
}

// Run registers with the coordinator, starts the stream listener, and
// blocks processing inbound UDP frames until ctx is cancelled.
func (p *Participant) Run(ctx context.Context) error {
	streamPort, err := p.startStreamListener(ctx)
	if err != nil {
		return fmt.Errorf("start stream listener: %w", err)
	}

	if err := p.register(streamPort); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	go func() {
		<-ctx.Done()
		p.conn.Close()
	}()

	buf := make([]byte, wire.MaxFrameBytes+1)
	for {
		n, _, err := p.conn.ReadFromUDP(buf)
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
		go p.handle(line)
	}
}

func (p *Participant) localUDPPort() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

func (p *Participant) send(frame wire.Frame) {
	if _, err := p.conn.WriteToUDP([]byte(frame.Encode()), p.coordinator); err != nil {
		log.Printf("peer %s: send %s: %v", p.cfg.Name, frame.Verb(), err)
	}
}

// register sends REGISTER (original_source's register_with_server) and
// returns without waiting; the REGISTERED or REGISTER-DENIED reply is
// handled later by handle, which only logs it and records registration.
func (p *Participant) register(streamPort int) error {
	p.send(wire.RegisterFrame{
		RQ:          "reg-" + p.cfg.Name,
		Name:        p.cfg.Name,
		ClaimedHost: "",
		UDPPort:     p.localUDPPort(),
		StreamPort:  streamPort,
	})
	log.Printf("peer %s: registration sent, awaiting REGISTERED", p.cfg.Name)
	return nil
}

func (p *Participant) handle(line []byte) {
	frame, err := wire.ParseDatagram(line)
	if err != nil {
		log.Printf("peer %s: protocol error: %v", p.cfg.Name, err)
		return
	}

	switch f := frame.(type) {
	case wire.RegisteredFrame:
		p.mu.Lock()
		p.registered = true
		p.mu.Unlock()
		log.Printf("peer %s: registered (rq=%s)", p.cfg.Name, f.RQ)

	case wire.RegisterDeniedFrame:
		log.Printf("peer %s: registration denied: %s", p.cfg.Name, f.Reason)

	case wire.DeregisteredFrame:
		log.Printf("peer %s: deregistered (rq=%s)", p.cfg.Name, f.RQ)

	case wire.DeregisterDeniedFrame:
		log.Printf("peer %s: deregistration denied: %s", p.cfg.Name, f.Reason)

	case wire.SearchFrame:
		p.handleSearch(f)

	case wire.NegotiateFrame:
		p.handleNegotiate(f)

	case wire.ReserveFrame:
		log.Printf("peer %s: reserved for rq=%s item=%s price=%s", p.cfg.Name, f.RQ, f.Item, wire.FormatMoney(f.Price))

	case wire.DatagramCancelFrame:
		log.Printf("peer %s: reservation cancelled for rq=%s item=%s", p.cfg.Name, f.RQ, f.Item)

	case wire.FoundFrame:
		p.handleFound(f)

	case wire.NotAvailableFrame:
		log.Printf("peer %s: %s not available at or under %s", p.cfg.Name, f.Item, wire.FormatMoney(f.MaxPrice))

	case wire.NotFoundFrame:
		log.Printf("peer %s: no offers for %s at or under %s", p.cfg.Name, f.Item, wire.FormatMoney(f.MaxPrice))

	default:
		log.Printf("peer %s: unexpected frame %s", p.cfg.Name, frame.Verb())
	}
}

// handleSearch answers a SEARCH with an OFFER if the item is in stock,
// mirroring server.py's fan-out target but on the peer side of the wire
// (the original leaves the offer decision as a stub comment).
func (p *Participant) handleSearch(f wire.SearchFrame) {
	it, ok := p.inv.Lookup(f.Item)
	if !ok {
		return
	}
	p.send(wire.OfferFrame{RQ: f.RQ, Seller: p.cfg.Name, Item: f.Item, Price: it.AskPrice})
}

// handleNegotiate accepts at the buyer's max_price when it is at or above
// the item's floor price, and refuses otherwise (or when the item is not
// stocked).
func (p *Participant) handleNegotiate(f wire.NegotiateFrame) {
	it, ok := p.inv.Lookup(f.Item)
	if !ok {
		p.send(wire.RefuseFrame{RQ: f.RQ, Item: f.Item, MaxPrice: f.MaxPrice})
		return
	}
	if f.MaxPrice >= it.FloorPrice {
		p.send(wire.AcceptFrame{RQ: f.RQ, Item: f.Item, MaxPrice: it.counter(f.MaxPrice)})
		return
	}
	p.send(wire.RefuseFrame{RQ: f.RQ, Item: f.Item, MaxPrice: f.MaxPrice})
}

// handleFound is the buyer-side reaction to the coordinator's chosen
// offer: always BUY, since this participant only searches for items it
// already decided it wants at its stated max_price.
func (p *Participant) handleFound(f wire.FoundFrame) {
	p.send(wire.BuyFrame{RQ: f.RQ, Item: f.Item, Price: f.Price})
}

// LookingFor issues a buyer-side search request, the peer-initiated half of
// a new buyer request that starts the request table record in Soliciting.
func (p *Participant) LookingFor(rq, item, description string, maxPrice int64) {
	p.send(wire.LookingForFrame{RQ: rq, Buyer: p.cfg.Name, Item: item, Description: description, MaxPrice: maxPrice})
}

// Deregister requests removal from the Peer Registry.
func (p *Participant) Deregister() {
	p.send(wire.DeregisterFrame{RQ: "dereg-" + p.cfg.Name, Name: p.cfg.Name})
}

// Close releases the UDP socket.
func (p *Participant) Close() error {
	return p.conn.Close()
}

// StreamAddr returns the bound TCP listener address once Run has started
// it, useful when StreamListenAddr uses an ephemeral port (":0") such as
// in tests. Returns nil if the stream listener has not started yet.
func (p *Participant) StreamAddr() *net.TCPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamAddr
}

// startStreamListener binds the TCP side of the transaction protocol and
// serves connections until ctx is cancelled. It returns the bound port so
// registration can advertise it.
func (p *Participant) startStreamListener(ctx context.Context) (int, error) {
	ln, err := net.Listen("tcp", p.cfg.StreamListenAddr)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.streamAddr = ln.Addr().(*net.TCPAddr)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serveStream(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// serveStream answers one transaction's stream frames: INFORM_Req gets a
// real INFORM_Res (unlike original_source's hardcoded literal reply), and
// a following Shipping_Info or CANCEL is logged and the connection closed.
func (p *Participant) serveStream(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	line, err := r.ReadString('\n')
	if err != nil {
		return
	}
	frame, err := wire.ParseStream(line)
	if err != nil {
		log.Printf("peer %s: stream protocol error: %v", p.cfg.Name, err)
		return
	}
	req, ok := frame.(wire.InformReqFrame)
	if !ok {
		log.Printf("peer %s: expected INFORM_Req, got %s", p.cfg.Name, frame.Verb())
		return
	}

	res := wire.InformResFrame{
		TxID:     req.TxID,
		Name:     p.cfg.Name,
		CCNumber: p.cfg.Profile.CCNumber,
		CCExpiry: p.cfg.Profile.CCExpiry,
		Address:  p.cfg.Profile.Address,
	}
	if _, err := conn.Write([]byte(res.Encode() + "\n")); err != nil {
		log.Printf("peer %s: write INFORM_Res: %v", p.cfg.Name, err)
		return
	}

	line, err = r.ReadString('\n')
	if err != nil {
		return
	}
	follow, err := wire.ParseStream(line)
	if err != nil {
		log.Printf("peer %s: stream protocol error: %v", p.cfg.Name, err)
		return
	}
	switch f := follow.(type) {
	case wire.ShippingInfoFrame:
		log.Printf("peer %s: shipping tx=%s to=%s addr=%s", p.cfg.Name, f.TxID, f.BuyerName, f.BuyerAddress)
	case wire.StreamCancelFrame:
		log.Printf("peer %s: transaction tx=%s cancelled: %s", p.cfg.Name, f.TxID, f.Reason)
	default:
		log.Printf("peer %s: unexpected stream frame %s", p.cfg.Name, follow.Verb())
	}
}
