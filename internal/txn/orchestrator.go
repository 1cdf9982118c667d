// Package txn implements the Transaction Orchestrator: the two-sided
// stream protocol that runs after a buyer's BUY, plus the simulated
// settlement split.
//
// The orchestrator never holds the lifecycle engine's mutex across network
// I/O: it is handed a self-contained Job, does its dialing and framing on
// its own goroutine, and reports the terminal outcome back through
// lifecycle.Committer.
package txn

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/rishav/p2p-market/internal/lifecycle"
	"github.com/rishav/p2p-market/internal/wire"
)

// Dialer opens an outbound stream connection. New always installs
// netDialer, a net.DialTimeout wrapper using the I/O timeout.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

type netDialer struct{ timeout time.Duration }

func (d netDialer) Dial(network, address string) (net.Conn, error) {
	return net.DialTimeout(network, address, d.timeout)
}

// Settlement is the simulated charge/credit split performed on a
// successful transaction: 90% of the sale price credited to the seller,
// 10% retained by the coordinator. Adapted from settlement.ClearingHouse's
// DVP accounting, simplified to a single trade with no netting or
// multi-day settlement cycle.
type Settlement struct {
	TransactionID string
	Item          string
	TotalPrice    int64
	SellerCredit  int64
	CoordinatorFee int64
}

func settle(txID, item string, price int64) Settlement {
	fee := price / 10
	return Settlement{
		TransactionID:  txID,
		Item:           item,
		TotalPrice:     price,
		SellerCredit:   price - fee,
		CoordinatorFee: fee,
	}
}

// Orchestrator runs transactions handed off from the lifecycle engine. It
// implements lifecycle.TransactionStarter.
type Orchestrator struct {
	dialer    Dialer
	committer lifecycle.Committer
	ioTimeout time.Duration

	shippingAddr func(buyerName string) string

	onSettled func(Settlement)
}

// New creates an Orchestrator. shippingAddr resolves a buyer's shipping
// address (looked up from the peer's registration-time inventory/profile in
// a full deployment; here it is supplied by the caller so txn stays
// decoupled from peer-side storage). onSettled is an optional hook for
// audit logging of each completed Settlement.
func New(committer lifecycle.Committer, ioTimeout time.Duration, shippingAddr func(string) string, onSettled func(Settlement)) *Orchestrator {
	if onSettled == nil {
		onSettled = func(Settlement) {}
	}
	return &Orchestrator{
		dialer:       netDialer{timeout: ioTimeout},
		committer:    committer,
		ioTimeout:    ioTimeout,
		shippingAddr: shippingAddr,
		onSettled:    onSettled,
	}
}

// Start implements lifecycle.TransactionStarter. It runs the transaction on
// its own goroutine and reports the outcome asynchronously.
func (o *Orchestrator) Start(job lifecycle.TransactionJob) {
	go o.run(job)
}

func (o *Orchestrator) run(job lifecycle.TransactionJob) {
	txID := uuid.NewString()

	buyerAddr := fmt.Sprintf("%s:%d", job.BuyerHost, job.BuyerStreamPort)
	sellerAddr := fmt.Sprintf("%s:%d", job.SellerHost, job.SellerStreamPort)

	buyerConn, err := o.dialer.Dial("tcp", buyerAddr)
	if err != nil {
		log.Printf("txn %s: dial buyer %s: %v", txID, buyerAddr, err)
		o.committer.CommitTransaction(job.RQ, false)
		return
	}
	defer buyerConn.Close()

	sellerConn, err := o.dialer.Dial("tcp", sellerAddr)
	if err != nil {
		log.Printf("txn %s: dial seller %s: %v", txID, sellerAddr, err)
		o.committer.CommitTransaction(job.RQ, false)
		return
	}
	defer sellerConn.Close()

	buyerRes, err := o.informAndRead(buyerConn, txID, job.Item, job.Price)
	if err != nil {
		log.Printf("txn %s: buyer side: %v", txID, err)
		o.abort(buyerConn, sellerConn, txID, "buyer side failed")
		o.committer.CommitTransaction(job.RQ, false)
		return
	}

	sellerRes, err := o.informAndRead(sellerConn, txID, job.Item, job.Price)
	if err != nil {
		log.Printf("txn %s: seller side: %v", txID, err)
		o.abort(buyerConn, sellerConn, txID, "seller side failed")
		o.committer.CommitTransaction(job.RQ, false)
		return
	}

	result := settle(txID, job.Item, job.Price)
	log.Printf("txn %s settled: item=%s total=%s seller_credit=%s coordinator_fee=%s",
		txID, job.Item, wire.FormatMoney(result.TotalPrice), wire.FormatMoney(result.SellerCredit), wire.FormatMoney(result.CoordinatorFee))
	o.onSettled(result)

	address := buyerRes.Address
	if o.shippingAddr != nil {
		if a := o.shippingAddr(job.BuyerName); a != "" {
			address = a
		}
	}

	shipping := wire.ShippingInfoFrame{TxID: txID, BuyerName: job.BuyerName, BuyerAddress: address}
	if err := writeLine(sellerConn, shipping.Encode()); err != nil {
		log.Printf("txn %s: shipping info to seller: %v", txID, err)
		o.committer.CommitTransaction(job.RQ, false)
		return
	}

	_ = sellerRes
	buyerConn.Close()
	sellerConn.Close()
	o.committer.CommitTransaction(job.RQ, true)
}

func (o *Orchestrator) informAndRead(conn net.Conn, txID, item string, price int64) (wire.InformResFrame, error) {
	conn.SetDeadline(time.Now().Add(o.ioTimeout))

	req := wire.InformReqFrame{TxID: txID, Item: item, Price: price}
	if err := writeLine(conn, req.Encode()); err != nil {
		return wire.InformResFrame{}, fmt.Errorf("send INFORM_Req: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return wire.InformResFrame{}, fmt.Errorf("read INFORM_Res: %w", err)
	}

	frame, err := wire.ParseStream(line)
	if err != nil {
		return wire.InformResFrame{}, fmt.Errorf("parse INFORM_Res: %w", err)
	}
	res, ok := frame.(wire.InformResFrame)
	if !ok {
		return wire.InformResFrame{}, fmt.Errorf("expected INFORM_Res, got %s", frame.Verb())
	}
	if res.TxID != txID {
		return wire.InformResFrame{}, fmt.Errorf("INFORM_Res transaction id mismatch: got %s want %s", res.TxID, txID)
	}
	return res, nil
}

func (o *Orchestrator) abort(buyerConn, sellerConn net.Conn, txID, reason string) {
	cancel := wire.StreamCancelFrame{TxID: txID, Reason: reason}
	if buyerConn != nil {
		writeLine(buyerConn, cancel.Encode())
	}
	if sellerConn != nil {
		writeLine(sellerConn, cancel.Encode())
	}
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
