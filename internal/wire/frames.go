package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Frame is any parsed datagram or stream message. Encode renders it back to
// the wire form so handlers and tests can round-trip without hand-building
// strings.
type Frame interface {
	Verb() string
	Encode() string
}

// --- datagram frames: peer -> coordinator ---

// RegisterFrame is "REGISTER <rq> <name> <claimed_host> <udp_port> <stream_port>".
// ClaimedHost is carried only for audit logging; the registry binds the
// observed UDP source address, never this field. An empty ClaimedHost is
// sent as "-" so the frame keeps its six tokens, and parses back as "".
type RegisterFrame struct {
	RQ          string
	Name        string
	ClaimedHost string
	UDPPort     int
	StreamPort  int
}

func (f RegisterFrame) Verb() string { return "REGISTER" }
func (f RegisterFrame) Encode() string {
	host := f.ClaimedHost
	if host == "" {
		host = "-"
	}
	return fmt.Sprintf("REGISTER %s %s %s %d %d", f.RQ, f.Name, host, f.UDPPort, f.StreamPort)
}

// DeregisterFrame is "DE-REGISTER <rq> <name>".
type DeregisterFrame struct {
	RQ   string
	Name string
}

func (f DeregisterFrame) Verb() string   { return "DE-REGISTER" }
func (f DeregisterFrame) Encode() string { return fmt.Sprintf("DE-REGISTER %s %s", f.RQ, f.Name) }

// LookingForFrame is "LOOKING_FOR <rq> <buyer> <item> <desc...> <max_price>".
type LookingForFrame struct {
	RQ          string
	Buyer       string
	Item        string
	Description string
	MaxPrice    int64
}

func (f LookingForFrame) Verb() string { return "LOOKING_FOR" }
func (f LookingForFrame) Encode() string {
	return fmt.Sprintf("LOOKING_FOR %s %s %s %s %s", f.RQ, f.Buyer, f.Item, f.Description, FormatMoney(f.MaxPrice))
}

// OfferFrame is "OFFER <rq> <seller> <item> <price>".
type OfferFrame struct {
	RQ     string
	Seller string
	Item   string
	Price  int64
}

func (f OfferFrame) Verb() string { return "OFFER" }
func (f OfferFrame) Encode() string {
	return fmt.Sprintf("OFFER %s %s %s %s", f.RQ, f.Seller, f.Item, FormatMoney(f.Price))
}

// AcceptFrame is "ACCEPT <rq> <item> <max_price>".
type AcceptFrame struct {
	RQ       string
	Item     string
	MaxPrice int64
}

func (f AcceptFrame) Verb() string { return "ACCEPT" }
func (f AcceptFrame) Encode() string {
	return fmt.Sprintf("ACCEPT %s %s %s", f.RQ, f.Item, FormatMoney(f.MaxPrice))
}

// RefuseFrame is "REFUSE <rq> <item> <max_price>".
type RefuseFrame struct {
	RQ       string
	Item     string
	MaxPrice int64
}

func (f RefuseFrame) Verb() string { return "REFUSE" }
func (f RefuseFrame) Encode() string {
	return fmt.Sprintf("REFUSE %s %s %s", f.RQ, f.Item, FormatMoney(f.MaxPrice))
}

// DatagramCancelFrame is "CANCEL <rq> <item> <price>", sent either by the
// buyer (to cancel a reservation) or by the coordinator (to notify the
// reserved seller). Direction is determined by who sends it, not the frame.
type DatagramCancelFrame struct {
	RQ    string
	Item  string
	Price int64
}

func (f DatagramCancelFrame) Verb() string { return "CANCEL" }
func (f DatagramCancelFrame) Encode() string {
	return fmt.Sprintf("CANCEL %s %s %s", f.RQ, f.Item, FormatMoney(f.Price))
}

// BuyFrame is "BUY <rq> <item> <price>".
type BuyFrame struct {
	RQ    string
	Item  string
	Price int64
}

func (f BuyFrame) Verb() string { return "BUY" }
func (f BuyFrame) Encode() string {
	return fmt.Sprintf("BUY %s %s %s", f.RQ, f.Item, FormatMoney(f.Price))
}

// --- datagram frames: coordinator -> peer ---

// RegisteredFrame is "REGISTERED <rq>".
type RegisteredFrame struct{ RQ string }

func (f RegisteredFrame) Verb() string   { return "REGISTERED" }
func (f RegisteredFrame) Encode() string { return fmt.Sprintf("REGISTERED %s", f.RQ) }

// RegisterDeniedFrame is "REGISTER-DENIED <rq> <reason>".
type RegisterDeniedFrame struct {
	RQ     string
	Reason string
}

func (f RegisterDeniedFrame) Verb() string { return "REGISTER-DENIED" }
func (f RegisterDeniedFrame) Encode() string {
	return fmt.Sprintf("REGISTER-DENIED %s %s", f.RQ, f.Reason)
}

// DeregisteredFrame is "DE-REGISTERED <rq>".
type DeregisteredFrame struct{ RQ string }

func (f DeregisteredFrame) Verb() string   { return "DE-REGISTERED" }
func (f DeregisteredFrame) Encode() string { return fmt.Sprintf("DE-REGISTERED %s", f.RQ) }

// DeregisterDeniedFrame is "DE-REGISTER-DENIED <rq> <reason>".
type DeregisterDeniedFrame struct {
	RQ     string
	Reason string
}

func (f DeregisterDeniedFrame) Verb() string { return "DE-REGISTER-DENIED" }
func (f DeregisterDeniedFrame) Encode() string {
	return fmt.Sprintf("DE-REGISTER-DENIED %s %s", f.RQ, f.Reason)
}

// SearchFrame is "SEARCH <rq> <item> <desc...>".
type SearchFrame struct {
	RQ          string
	Item        string
	Description string
}

func (f SearchFrame) Verb() string { return "SEARCH" }
func (f SearchFrame) Encode() string {
	return fmt.Sprintf("SEARCH %s %s %s", f.RQ, f.Item, f.Description)
}

// FoundFrame is "FOUND <rq> <item> <price> from <seller>".
type FoundFrame struct {
	RQ     string
	Item   string
	Price  int64
	Seller string
}

func (f FoundFrame) Verb() string { return "FOUND" }
func (f FoundFrame) Encode() string {
	return fmt.Sprintf("FOUND %s %s %s from %s", f.RQ, f.Item, FormatMoney(f.Price), f.Seller)
}

// NotAvailableFrame is "NOT_AVAILABLE <rq> <item> <max_price>".
type NotAvailableFrame struct {
	RQ       string
	Item     string
	MaxPrice int64
}

func (f NotAvailableFrame) Verb() string { return "NOT_AVAILABLE" }
func (f NotAvailableFrame) Encode() string {
	return fmt.Sprintf("NOT_AVAILABLE %s %s %s", f.RQ, f.Item, FormatMoney(f.MaxPrice))
}

// ReserveFrame is "RESERVE <rq> <item> <price>".
type ReserveFrame struct {
	RQ    string
	Item  string
	Price int64
}

func (f ReserveFrame) Verb() string { return "RESERVE" }
func (f ReserveFrame) Encode() string {
	return fmt.Sprintf("RESERVE %s %s %s", f.RQ, f.Item, FormatMoney(f.Price))
}

// NegotiateFrame is "NEGOTIATE <rq> <item> <max_price>".
type NegotiateFrame struct {
	RQ       string
	Item     string
	MaxPrice int64
}

func (f NegotiateFrame) Verb() string { return "NEGOTIATE" }
func (f NegotiateFrame) Encode() string {
	return fmt.Sprintf("NEGOTIATE %s %s %s", f.RQ, f.Item, FormatMoney(f.MaxPrice))
}

// NotFoundFrame is "NOT_FOUND <rq> <item> <max_price>".
type NotFoundFrame struct {
	RQ       string
	Item     string
	MaxPrice int64
}

func (f NotFoundFrame) Verb() string { return "NOT_FOUND" }
func (f NotFoundFrame) Encode() string {
	return fmt.Sprintf("NOT_FOUND %s %s %s", f.RQ, f.Item, FormatMoney(f.MaxPrice))
}

// --- stream frames (transaction orchestration, §4.5/§6) ---

// InformReqFrame is "INFORM_Req <transaction_id> <item> <price>".
type InformReqFrame struct {
	TxID  string
	Item  string
	Price int64
}

func (f InformReqFrame) Verb() string { return "INFORM_Req" }
func (f InformReqFrame) Encode() string {
	return fmt.Sprintf("INFORM_Req %s %s %s", f.TxID, f.Item, FormatMoney(f.Price))
}

// InformResFrame is "INFORM_Res <transaction_id> <name> <cc_number> <cc_expiry> <address>".
// Address is the last field and may contain spaces.
type InformResFrame struct {
	TxID     string
	Name     string
	CCNumber string
	CCExpiry string
	Address  string
}

func (f InformResFrame) Verb() string { return "INFORM_Res" }
func (f InformResFrame) Encode() string {
	return fmt.Sprintf("INFORM_Res %s %s %s %s %s", f.TxID, f.Name, f.CCNumber, f.CCExpiry, f.Address)
}

// ShippingInfoFrame is "Shipping_Info <transaction_id> <buyer_name> <buyer_address>".
// BuyerAddress is the remainder of the line and may contain spaces.
type ShippingInfoFrame struct {
	TxID         string
	BuyerName    string
	BuyerAddress string
}

func (f ShippingInfoFrame) Verb() string { return "Shipping_Info" }
func (f ShippingInfoFrame) Encode() string {
	return fmt.Sprintf("Shipping_Info %s %s %s", f.TxID, f.BuyerName, f.BuyerAddress)
}

// StreamCancelFrame is "CANCEL <transaction_id> <reason>" sent on a
// transaction stream connection, distinct from DatagramCancelFrame.
type StreamCancelFrame struct {
	TxID   string
	Reason string
}

func (f StreamCancelFrame) Verb() string { return "CANCEL" }
func (f StreamCancelFrame) Encode() string {
	return fmt.Sprintf("CANCEL %s %s", f.TxID, f.Reason)
}

// MaxFrameBytes is the inbound size limit for a single datagram frame.
const MaxFrameBytes = 1024

// ParseDatagram parses one inbound UDP frame. Unknown verbs and malformed
// frames both return an error; callers must log and drop rather than reply
// with a negative ack, since replying to a malformed frame only gives an
// attacker a way to turn the coordinator into an amplifier.
func ParseDatagram(line []byte) (Frame, error) {
	if len(line) > MaxFrameBytes {
		return nil, fmt.Errorf("frame exceeds %d bytes", MaxFrameBytes)
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch fields[0] {
	case "REGISTER":
		if len(fields) != 6 {
			return nil, fmt.Errorf("REGISTER: want 6 fields, got %d", len(fields))
		}
		udpPort, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("REGISTER: bad udp_port: %w", err)
		}
		streamPort, err := strconv.Atoi(fields[5])
		if err != nil {
			return nil, fmt.Errorf("REGISTER: bad stream_port: %w", err)
		}
		claimedHost := fields[3]
		if claimedHost == "-" {
			claimedHost = ""
		}
		return RegisterFrame{RQ: fields[1], Name: fields[2], ClaimedHost: claimedHost, UDPPort: udpPort, StreamPort: streamPort}, nil

	case "DE-REGISTER":
		if len(fields) != 3 {
			return nil, fmt.Errorf("DE-REGISTER: want 3 fields, got %d", len(fields))
		}
		return DeregisterFrame{RQ: fields[1], Name: fields[2]}, nil

	case "LOOKING_FOR":
		if len(fields) < 5 {
			return nil, fmt.Errorf("LOOKING_FOR: want at least 5 fields, got %d", len(fields))
		}
		maxPrice, err := ParseMoney(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("LOOKING_FOR: %w", err)
		}
		return LookingForFrame{
			RQ:          fields[1],
			Buyer:       fields[2],
			Item:        fields[3],
			Description: strings.Join(fields[4:len(fields)-1], " "),
			MaxPrice:    maxPrice,
		}, nil

	case "OFFER":
		if len(fields) != 5 {
			return nil, fmt.Errorf("OFFER: want 5 fields, got %d", len(fields))
		}
		price, err := ParseMoney(fields[4])
		if err != nil {
			return nil, fmt.Errorf("OFFER: %w", err)
		}
		return OfferFrame{RQ: fields[1], Seller: fields[2], Item: fields[3], Price: price}, nil

	case "ACCEPT":
		if len(fields) != 4 {
			return nil, fmt.Errorf("ACCEPT: want 4 fields, got %d", len(fields))
		}
		maxPrice, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("ACCEPT: %w", err)
		}
		return AcceptFrame{RQ: fields[1], Item: fields[2], MaxPrice: maxPrice}, nil

	case "REFUSE":
		if len(fields) != 4 {
			return nil, fmt.Errorf("REFUSE: want 4 fields, got %d", len(fields))
		}
		maxPrice, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("REFUSE: %w", err)
		}
		return RefuseFrame{RQ: fields[1], Item: fields[2], MaxPrice: maxPrice}, nil

	case "CANCEL":
		if len(fields) != 4 {
			return nil, fmt.Errorf("CANCEL: want 4 fields, got %d", len(fields))
		}
		price, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("CANCEL: %w", err)
		}
		return DatagramCancelFrame{RQ: fields[1], Item: fields[2], Price: price}, nil

	case "BUY":
		if len(fields) != 4 {
			return nil, fmt.Errorf("BUY: want 4 fields, got %d", len(fields))
		}
		price, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("BUY: %w", err)
		}
		return BuyFrame{RQ: fields[1], Item: fields[2], Price: price}, nil

	case "REGISTERED":
		if len(fields) != 2 {
			return nil, fmt.Errorf("REGISTERED: want 2 fields, got %d", len(fields))
		}
		return RegisteredFrame{RQ: fields[1]}, nil

	case "REGISTER-DENIED":
		if len(fields) < 2 {
			return nil, fmt.Errorf("REGISTER-DENIED: want at least 2 fields, got %d", len(fields))
		}
		return RegisterDeniedFrame{RQ: fields[1], Reason: strings.Join(fields[2:], " ")}, nil

	case "DE-REGISTERED":
		if len(fields) != 2 {
			return nil, fmt.Errorf("DE-REGISTERED: want 2 fields, got %d", len(fields))
		}
		return DeregisteredFrame{RQ: fields[1]}, nil

	case "DE-REGISTER-DENIED":
		if len(fields) < 2 {
			return nil, fmt.Errorf("DE-REGISTER-DENIED: want at least 2 fields, got %d", len(fields))
		}
		return DeregisterDeniedFrame{RQ: fields[1], Reason: strings.Join(fields[2:], " ")}, nil

	case "SEARCH":
		if len(fields) < 3 {
			return nil, fmt.Errorf("SEARCH: want at least 3 fields, got %d", len(fields))
		}
		return SearchFrame{RQ: fields[1], Item: fields[2], Description: strings.Join(fields[3:], " ")}, nil

	case "FOUND":
		if len(fields) != 6 || fields[4] != "from" {
			return nil, fmt.Errorf("FOUND: malformed frame %q", string(line))
		}
		price, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("FOUND: %w", err)
		}
		return FoundFrame{RQ: fields[1], Item: fields[2], Price: price, Seller: fields[5]}, nil

	case "NOT_AVAILABLE":
		if len(fields) != 4 {
			return nil, fmt.Errorf("NOT_AVAILABLE: want 4 fields, got %d", len(fields))
		}
		maxPrice, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("NOT_AVAILABLE: %w", err)
		}
		return NotAvailableFrame{RQ: fields[1], Item: fields[2], MaxPrice: maxPrice}, nil

	case "RESERVE":
		if len(fields) != 4 {
			return nil, fmt.Errorf("RESERVE: want 4 fields, got %d", len(fields))
		}
		price, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("RESERVE: %w", err)
		}
		return ReserveFrame{RQ: fields[1], Item: fields[2], Price: price}, nil

	case "NEGOTIATE":
		if len(fields) != 4 {
			return nil, fmt.Errorf("NEGOTIATE: want 4 fields, got %d", len(fields))
		}
		maxPrice, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("NEGOTIATE: %w", err)
		}
		return NegotiateFrame{RQ: fields[1], Item: fields[2], MaxPrice: maxPrice}, nil

	case "NOT_FOUND":
		if len(fields) != 4 {
			return nil, fmt.Errorf("NOT_FOUND: want 4 fields, got %d", len(fields))
		}
		maxPrice, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("NOT_FOUND: %w", err)
		}
		return NotFoundFrame{RQ: fields[1], Item: fields[2], MaxPrice: maxPrice}, nil

	default:
		return nil, fmt.Errorf("unknown verb %q", fields[0])
	}
}

// ParseStream parses one line of the per-transaction stream protocol.
func ParseStream(line string) (Frame, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch fields[0] {
	case "INFORM_Req":
		if len(fields) != 4 {
			return nil, fmt.Errorf("INFORM_Req: want 4 fields, got %d", len(fields))
		}
		price, err := ParseMoney(fields[3])
		if err != nil {
			return nil, fmt.Errorf("INFORM_Req: %w", err)
		}
		return InformReqFrame{TxID: fields[1], Item: fields[2], Price: price}, nil

	case "INFORM_Res":
		if len(fields) < 5 {
			return nil, fmt.Errorf("INFORM_Res: want at least 5 fields, got %d", len(fields))
		}
		return InformResFrame{
			TxID:     fields[1],
			Name:     fields[2],
			CCNumber: fields[3],
			CCExpiry: fields[4],
			Address:  strings.Join(fields[5:], " "),
		}, nil

	case "Shipping_Info":
		if len(fields) < 3 {
			return nil, fmt.Errorf("Shipping_Info: want at least 3 fields, got %d", len(fields))
		}
		return ShippingInfoFrame{TxID: fields[1], BuyerName: fields[2], BuyerAddress: strings.Join(fields[3:], " ")}, nil

	case "CANCEL":
		if len(fields) < 2 {
			return nil, fmt.Errorf("CANCEL: want at least 2 fields, got %d", len(fields))
		}
		reason := ""
		if len(fields) > 2 {
			reason = strings.Join(fields[2:], " ")
		}
		return StreamCancelFrame{TxID: fields[1], Reason: reason}, nil

	default:
		return nil, fmt.Errorf("unknown stream verb %q", fields[0])
	}
}
