// Package lifecycle implements the Request Lifecycle Engine, the core of
// the coordinator. It drives every buyer request from Soliciting to
// Reserved, Negotiating or NotAvailable; from Negotiating to Reserved or
// Failed; and from Reserved to Completed, Cancelled or Failed. It owns the
// per-request timers, and is the only place
// that mutates the Peer Registry and Request Table.
//
// Concurrency model: one goroutine per inbound frame calls into the
// Engine; every call locks Engine.mu for the duration of its state
// mutation, so within a single request all state transitions are
// serialized by one mutex. Timer callbacks (offer window, abandon) run on
// their own goroutines and take the same lock before touching state,
// re-checking that the record hasn't been overtaken by a faster frame in
// the meantime.
package lifecycle

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/rishav/p2p-market/internal/registry"
	"github.com/rishav/p2p-market/internal/reqtable"
	"github.com/rishav/p2p-market/internal/wire"
)

// Sender delivers an outbound datagram frame to an address. The UDP send
// path is serialized by its own mutex, separate from Engine.mu, so Engine
// methods may call Sender while holding their lock without risking
// contention on the socket write.
type Sender interface {
	SendTo(frame wire.Frame, addr *net.UDPAddr)
}

// TransactionJob describes one BUY handoff to the Transaction Orchestrator.
// The Orchestrator mints its own transaction_id.
type TransactionJob struct {
	RQ               string
	Item             string
	Price            int64
	BuyerName        string
	BuyerHost        string
	BuyerStreamPort  int
	SellerName       string
	SellerHost       string
	SellerStreamPort int
}

// TransactionStarter hands a Reserved request off to the orchestrator. Start
// must not block — the orchestrator runs the transaction on its own
// goroutine and reports back through Committer.
type TransactionStarter interface {
	Start(job TransactionJob)
}

// Committer reports a transaction's terminal outcome back to the engine.
// Engine implements this directly; the orchestrator holds it as an
// interface so package txn can depend on lifecycle without a import cycle
// back from lifecycle to txn.
type Committer interface {
	CommitTransaction(rq string, success bool)
}

// Config bundles the configurable timer durations.
type Config struct {
	OfferWindow    time.Duration // default 10s from the first OFFER received
	AbandonTimeout time.Duration // default 120s from the SEARCH fan-out
}

// DefaultConfig returns the canonical timings used in production.
func DefaultConfig() Config {
	return Config{
		OfferWindow:    10 * time.Second,
		AbandonTimeout: 120 * time.Second,
	}
}

type timerSet struct {
	offer   *time.Timer
	abandon *time.Timer
}

// Engine is the Request Lifecycle Engine.
type Engine struct {
	mu sync.Mutex

	registry *registry.Table
	requests *reqtable.Table

	sender  Sender
	starter TransactionStarter
	onMutate func()

	cfg Config

	timers map[string]*timerSet
}

// New creates an Engine over the given registry and request table. onMutate
// is invoked (without the engine lock held) after every mutation, so the
// State Snapshotter can pick up a fresh copy of state to flush.
func New(reg *registry.Table, reqs *reqtable.Table, sender Sender, starter TransactionStarter, cfg Config, onMutate func()) *Engine {
	if onMutate == nil {
		onMutate = func() {}
	}
	return &Engine{
		registry: reg,
		requests: reqs,
		sender:   sender,
		starter:  starter,
		onMutate: onMutate,
		cfg:      cfg,
		timers:   make(map[string]*timerSet),
	}
}

func (e *Engine) notify() { e.onMutate() }

// SetStarter wires the Transaction Orchestrator in after construction, for
// callers that must build the orchestrator from the engine itself (it
// implements Committer) and so cannot supply it to New.
func (e *Engine) SetStarter(starter TransactionStarter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starter = starter
}

// --- registration / deregistration ---

// HandleRegister processes REGISTER. On success it binds datagram_addr to
// the observed src, never any claimed_host field in the frame, so a peer
// can't register itself under a spoofed return address.
func (e *Engine) HandleRegister(f wire.RegisterFrame, src *net.UDPAddr) {
	e.mu.Lock()
	_, err := e.registry.Register(f.Name, src.IP.String(), src.Port, f.StreamPort, f.RQ)

	rec := &reqtable.Record{
		RequestID: f.RQ,
		BuyerName: f.Name,
		Operation: "REGISTER",
		State:     reqtable.RegistrationDone,
		CreatedAt: time.Now(),
	}
	rec.TerminalAt = rec.CreatedAt

	var reply wire.Frame
	if err != nil {
		rec.Outcome = "REGISTER-DENIED: " + err.Error()
		reply = wire.RegisterDeniedFrame{RQ: f.RQ, Reason: "name already in use"}
	} else {
		rec.Outcome = "REGISTERED"
		reply = wire.RegisteredFrame{RQ: f.RQ}
		if f.ClaimedHost != "" && f.ClaimedHost != src.IP.String() {
			log.Printf("register %s: claimed host %s differs from observed %s", f.Name, f.ClaimedHost, src.IP.String())
		}
	}
	e.requests.Put(rec)
	e.mu.Unlock()

	e.sender.SendTo(reply, src)
	e.notify()
}

// HandleDeregister processes DE-REGISTER, cascading removal of every
// RequestRecord whose buyer is this peer. Reservations naming this peer
// as seller are left in place — they fail lazily at transaction time
// rather than being proactively cancelled here.
func (e *Engine) HandleDeregister(f wire.DeregisterFrame, src *net.UDPAddr) {
	e.mu.Lock()
	ok := e.registry.Deregister(f.Name)

	var cancelledRQs []string
	if ok {
		cancelledRQs = e.requests.DeleteByBuyer(f.Name)
		for _, rq := range cancelledRQs {
			e.stopTimersLocked(rq)
		}
	}

	rec := &reqtable.Record{
		RequestID: f.RQ,
		BuyerName: f.Name,
		Operation: "DE-REGISTER",
		State:     reqtable.DeregistrationDone,
		CreatedAt: time.Now(),
	}
	rec.TerminalAt = rec.CreatedAt

	var reply wire.Frame
	if ok {
		rec.Outcome = "DE-REGISTERED"
		reply = wire.DeregisteredFrame{RQ: f.RQ}
	} else {
		rec.Outcome = "DE-REGISTER-DENIED: not found"
		reply = wire.DeregisterDeniedFrame{RQ: f.RQ, Reason: "not found"}
	}
	e.requests.Put(rec)
	e.mu.Unlock()

	e.sender.SendTo(reply, src)
	e.notify()
}

// --- buyer entry point ---

// HandleLookingFor creates the RequestRecord, fans SEARCH out to every
// other registered peer, and arms the abandon timer.
func (e *Engine) HandleLookingFor(f wire.LookingForFrame, src *net.UDPAddr) {
	e.mu.Lock()

	rec := &reqtable.Record{
		RequestID:       f.RQ,
		BuyerName:       f.Buyer,
		ItemName:        f.Item,
		ItemDescription: f.Description,
		MaxPrice:        f.MaxPrice,
		State:           reqtable.Soliciting,
		Operation:       "LOOKING_FOR",
		CreatedAt:       time.Now(),
	}
	e.requests.Put(rec)

	targets := e.registry.AllExcept(f.Buyer)

	ts := &timerSet{}
	ts.abandon = time.AfterFunc(e.cfg.AbandonTimeout, func() { e.fireAbandon(f.RQ) })
	e.timers[f.RQ] = ts

	e.mu.Unlock()

	search := wire.SearchFrame{RQ: f.RQ, Item: f.Item, Description: f.Description}
	for _, p := range targets {
		e.sender.SendTo(search, &net.UDPAddr{IP: net.ParseIP(p.Host), Port: p.UDPPort})
	}
	e.notify()
}

// --- offer collection ---

func (e *Engine) HandleOffer(f wire.OfferFrame, src *net.UDPAddr) {
	e.mu.Lock()
	rec, ok := e.requests.Get(f.RQ)
	if !ok {
		e.mu.Unlock()
		log.Printf("OFFER for unknown request %s dropped", f.RQ)
		return
	}
	if rec.State != reqtable.Soliciting {
		e.mu.Unlock()
		return
	}
	for _, o := range rec.Offers {
		if o.SellerName == f.Seller {
			e.mu.Unlock()
			return // duplicate OFFER from the same seller is a no-op
		}
	}

	rec.Offers = append(rec.Offers, reqtable.Offer{SellerName: f.Seller, Price: f.Price, SellerAddr: copyAddr(src)})

	if !rec.OfferWindowStarted {
		rec.OfferWindowStarted = true
		ts := e.timers[f.RQ]
		if ts == nil {
			ts = &timerSet{}
			e.timers[f.RQ] = ts
		}
		ts.offer = time.AfterFunc(e.cfg.OfferWindow, func() { e.fireOfferWindow(f.RQ) })
	}
	e.mu.Unlock()
	e.notify()
}

// fireOfferWindow is the single-fire offer-window expiration.
func (e *Engine) fireOfferWindow(rq string) {
	e.mu.Lock()
	rec, ok := e.requests.Get(rq)
	if !ok || rec.State != reqtable.Soliciting {
		e.mu.Unlock()
		return // overtaken
	}

	var valid, over []reqtable.Offer
	for _, o := range rec.Offers {
		if o.Price <= rec.MaxPrice {
			valid = append(valid, o)
		} else {
			over = append(over, o)
		}
	}

	buyerAddr := e.buyerAddrLocked(rec.BuyerName)

	switch {
	case len(valid) > 0:
		best := cheapest(valid)
		rec.State = reqtable.Reserved
		rec.Reservation = &best
		e.mu.Unlock()

		if buyerAddr != nil {
			e.sender.SendTo(wire.FoundFrame{RQ: rq, Item: rec.ItemName, Price: best.Price, Seller: best.SellerName}, buyerAddr)
		}
		e.sender.SendTo(wire.ReserveFrame{RQ: rq, Item: rec.ItemName, Price: best.Price}, best.SellerAddr)

	case len(over) > 0:
		target := cheapest(over)
		rec.State = reqtable.Negotiating
		e.mu.Unlock()

		e.sender.SendTo(wire.NegotiateFrame{RQ: rq, Item: rec.ItemName, MaxPrice: rec.MaxPrice}, target.SellerAddr)

	default:
		rec.State = reqtable.NotAvailable
		rec.TerminalAt = time.Now()
		e.mu.Unlock()

		if buyerAddr != nil {
			e.sender.SendTo(wire.NotAvailableFrame{RQ: rq, Item: rec.ItemName, MaxPrice: rec.MaxPrice}, buyerAddr)
		}
	}
	e.notify()
}

// fireAbandon only acts if the record is still Soliciting with zero
// offers; if even one offer arrived, the offer window timer has already
// taken over deciding the request's fate.
func (e *Engine) fireAbandon(rq string) {
	e.mu.Lock()
	rec, ok := e.requests.Get(rq)
	if !ok || rec.State != reqtable.Soliciting || len(rec.Offers) > 0 {
		e.mu.Unlock()
		return // overtaken, or offer window is already running
	}

	buyerAddr := e.buyerAddrLocked(rec.BuyerName)
	rec.State = reqtable.NotAvailable
	rec.TerminalAt = time.Now()
	e.mu.Unlock()

	if buyerAddr != nil {
		e.sender.SendTo(wire.NotAvailableFrame{RQ: rq, Item: rec.ItemName, MaxPrice: rec.MaxPrice}, buyerAddr)
	}
	e.notify()
}

// --- negotiation ---

func (e *Engine) HandleAccept(f wire.AcceptFrame, src *net.UDPAddr) {
	e.mu.Lock()
	rec, ok := e.requests.Get(f.RQ)
	if !ok || rec.State != reqtable.Negotiating {
		e.mu.Unlock()
		return
	}

	var matched *reqtable.Offer
	for i := range rec.Offers {
		if addrEqual(rec.Offers[i].SellerAddr, src) {
			matched = &rec.Offers[i]
			break
		}
	}
	if matched == nil {
		e.mu.Unlock()
		return
	}

	matched.Price = f.MaxPrice
	rec.Reservation = matched
	rec.State = reqtable.Reserved
	buyerAddr := e.buyerAddrLocked(rec.BuyerName)
	item := rec.ItemName
	seller := matched.SellerName
	e.mu.Unlock()

	if buyerAddr != nil {
		e.sender.SendTo(wire.FoundFrame{RQ: f.RQ, Item: item, Price: f.MaxPrice, Seller: seller}, buyerAddr)
	}
	e.notify()
}

func (e *Engine) HandleRefuse(f wire.RefuseFrame, src *net.UDPAddr) {
	e.mu.Lock()
	rec, ok := e.requests.Get(f.RQ)
	if !ok || rec.State != reqtable.Negotiating {
		e.mu.Unlock()
		return
	}
	rec.State = reqtable.Failed
	rec.TerminalAt = time.Now()
	buyerAddr := e.buyerAddrLocked(rec.BuyerName)
	item := rec.ItemName
	e.mu.Unlock()

	if buyerAddr != nil {
		e.sender.SendTo(wire.NotFoundFrame{RQ: f.RQ, Item: item, MaxPrice: f.MaxPrice}, buyerAddr)
	}
	e.notify()
}

// --- buyer cancel / buy ---

func (e *Engine) HandleCancel(f wire.DatagramCancelFrame, src *net.UDPAddr) {
	e.mu.Lock()
	rec, ok := e.requests.Get(f.RQ)
	if !ok || rec.State != reqtable.Reserved || rec.Reservation == nil {
		e.mu.Unlock()
		return
	}
	sellerAddr := rec.Reservation.SellerAddr
	item := rec.ItemName
	price := rec.Reservation.Price
	rec.Reservation = nil
	rec.State = reqtable.Cancelled
	rec.TerminalAt = time.Now()
	e.mu.Unlock()

	e.sender.SendTo(wire.DatagramCancelFrame{RQ: f.RQ, Item: item, Price: price}, sellerAddr)
	e.notify()
}

// HandleBuy hands a Reserved request off to the Transaction Orchestrator.
// The Reserved -> Completed/Failed transition is committed later, by
// CommitTransaction, once the orchestrator finishes its I/O.
func (e *Engine) HandleBuy(f wire.BuyFrame, src *net.UDPAddr) {
	e.mu.Lock()
	rec, ok := e.requests.Get(f.RQ)
	if !ok || rec.State != reqtable.Reserved || rec.Reservation == nil {
		e.mu.Unlock()
		return
	}

	buyer, buyerOK := e.registry.Lookup(rec.BuyerName)
	seller, sellerOK := e.registry.Lookup(rec.Reservation.SellerName)
	if !buyerOK || !sellerOK {
		rec.State = reqtable.Failed
		rec.TerminalAt = time.Now()
		e.mu.Unlock()
		e.notify()
		return
	}

	job := TransactionJob{
		RQ:               f.RQ,
		Item:             rec.ItemName,
		Price:            rec.Reservation.Price,
		BuyerName:        buyer.Name,
		BuyerHost:        buyer.Host,
		BuyerStreamPort:  buyer.StreamPort,
		SellerName:       seller.Name,
		SellerHost:       seller.Host,
		SellerStreamPort: seller.StreamPort,
	}
	e.mu.Unlock()

	e.starter.Start(job)
}

// CommitTransaction implements Committer: the orchestrator calls back here
// once the transaction reaches a terminal outcome.
func (e *Engine) CommitTransaction(rq string, success bool) {
	e.mu.Lock()
	rec, ok := e.requests.Get(rq)
	if !ok {
		e.mu.Unlock()
		return
	}
	if success {
		rec.State = reqtable.Completed
	} else {
		rec.State = reqtable.Failed
	}
	rec.TerminalAt = time.Now()
	e.mu.Unlock()
	e.notify()
}

// --- helpers ---

// buyerAddrLocked resolves a buyer's current datagram address. Must be
// called with e.mu held.
func (e *Engine) buyerAddrLocked(name string) *net.UDPAddr {
	p, ok := e.registry.Lookup(name)
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(p.Host), Port: p.UDPPort}
}

// stopTimersLocked cancels any pending timers for rq. Must be called with
// e.mu held.
func (e *Engine) stopTimersLocked(rq string) {
	ts, ok := e.timers[rq]
	if !ok {
		return
	}
	if ts.offer != nil {
		ts.offer.Stop()
	}
	if ts.abandon != nil {
		ts.abandon.Stop()
	}
	delete(e.timers, rq)
}

// Snapshot returns point-in-time views of the registry and request table
// for the State Snapshotter. Safe to call concurrently.
func (e *Engine) Snapshot() ([]*registry.Peer, []*reqtable.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := e.requests.All()
	for i, r := range records {
		cp := *r
		if r.Reservation != nil {
			res := *r.Reservation
			cp.Reservation = &res
		}
		records[i] = &cp
	}
	return e.registry.All(), records
}

func cheapest(offers []reqtable.Offer) reqtable.Offer {
	best := offers[0]
	for _, o := range offers[1:] {
		if o.Price < best.Price {
			best = o
		}
	}
	return best
}

func copyAddr(a *net.UDPAddr) *net.UDPAddr {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func addrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
