// Package reqtable implements the Request Table: the mapping from request
// id to RequestRecord, the per-request lifecycle state.
//
// Like registry.Table, Table here carries no internal lock; the lifecycle
// engine holds the shared mutex and calls these methods from within its
// critical section.
package reqtable

import (
	"net"
	"time"
)

// State is a RequestRecord's position in the lifecycle.
type State int

const (
	Soliciting State = iota
	Reserved
	Negotiating
	Completed
	NotAvailable
	Cancelled
	Failed
	RegistrationDone
	DeregistrationDone
)

func (s State) String() string {
	switch s {
	case Soliciting:
		return "Soliciting"
	case Reserved:
		return "Reserved"
	case Negotiating:
		return "Negotiating"
	case Completed:
		return "Completed"
	case NotAvailable:
		return "NotAvailable"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	case RegistrationDone:
		return "RegistrationDone"
	case DeregistrationDone:
		return "DeregistrationDone"
	default:
		return "Unknown"
	}
}

// Offer is a single seller's bid against a request.
type Offer struct {
	SellerName string
	Price      int64
	SellerAddr *net.UDPAddr
}

// Record is a RequestRecord: one buyer request's full history.
type Record struct {
	RequestID       string
	BuyerName       string
	ItemName        string
	ItemDescription string
	MaxPrice        int64

	State State

	// Offers is ordered by arrival; ties in price are broken by this order,
	// so the first seller to offer the winning price wins.
	Offers             []Offer
	OfferWindowStarted bool
	Reservation        *Offer

	// Operation distinguishes buyer-request records ("LOOKING_FOR") from
	// the audit records written for REGISTER/DE-REGISTER.
	Operation string
	Outcome   string

	CreatedAt  time.Time
	TerminalAt time.Time
}

// Terminal reports whether the record has reached a disposition from which
// no further transition is possible.
func (r *Record) Terminal() bool {
	switch r.State {
	case Completed, NotAvailable, Cancelled, Failed, RegistrationDone, DeregistrationDone:
		return true
	default:
		return false
	}
}

// Table holds all RequestRecords, keyed by request id.
type Table struct {
	records map[string]*Record
}

// NewTable creates an empty request table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Put inserts or replaces a record.
func (t *Table) Put(r *Record) { t.records[r.RequestID] = r }

// Get looks up a record by request id.
func (t *Table) Get(rq string) (*Record, bool) {
	r, ok := t.records[rq]
	return r, ok
}

// Delete removes a record.
func (t *Table) Delete(rq string) { delete(t.records, rq) }

// DeleteByBuyer cascades a peer's deregistration: every RequestRecord
// whose buyer equals name is removed. Returns the removed request ids so
// the caller can cancel their pending timers.
func (t *Table) DeleteByBuyer(name string) []string {
	var removed []string
	for rq, r := range t.records {
		if r.BuyerName == name {
			delete(t.records, rq)
			removed = append(removed, rq)
		}
	}
	return removed
}

// All returns every record, for snapshotting.
func (t *Table) All() []*Record {
	out := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// Len reports the number of tracked records.
func (t *Table) Len() int { return len(t.records) }
