package peerproc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rishav/p2p-market/internal/wire"
)

func writeInventory(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "inventory.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write inventory: %v", err)
	}
	return path
}

// fakeCoordinator is a bare UDP socket standing in for the coordinator, so
// Participant can be tested without the full lifecycle engine.
type fakeCoordinator struct {
	conn *net.UDPConn
	t    *testing.T
}

func newFakeCoordinator(t *testing.T) *fakeCoordinator {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeCoordinator{conn: conn, t: t}
}

func (f *fakeCoordinator) addr() string { return f.conn.LocalAddr().String() }

func (f *fakeCoordinator) recv(timeout time.Duration) (wire.Frame, *net.UDPAddr) {
	f.t.Helper()
	f.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, wire.MaxFrameBytes+1)
	n, src, err := f.conn.ReadFromUDP(buf)
	if err != nil {
		f.t.Fatalf("recv: %v", err)
	}
	frame, err := wire.ParseDatagram(buf[:n])
	if err != nil {
		f.t.Fatalf("parse: %v", err)
	}
	return frame, src
}

func (f *fakeCoordinator) send(to *net.UDPAddr, frame wire.Frame) {
	if _, err := f.conn.WriteToUDP([]byte(frame.Encode()), to); err != nil {
		f.t.Fatalf("send: %v", err)
	}
}

func startParticipant(t *testing.T, coordAddr string, invPath string) (*Participant, func()) {
	t.Helper()
	cfg := Config{
		Name:             "seller-1",
		CoordinatorAddr:  coordAddr,
		UDPListenAddr:    "127.0.0.1:0",
		StreamListenAddr: "127.0.0.1:0",
		Profile:          Profile{CCNumber: "4242", CCExpiry: "01/29", Address: "1 Peer Way"},
	}
	inv, err := LoadInventory(invPath)
	if err != nil {
		t.Fatalf("load inventory: %v", err)
	}
	p, err := New(cfg, inv)
	if err != nil {
		t.Fatalf("new participant: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	return p, func() {
		cancel()
		p.Close()
		<-done
	}
}

func TestParticipantRegistersOnStartup(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	_, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	frame, _ := coord.recv(time.Second)
	reg, ok := frame.(wire.RegisterFrame)
	if !ok || reg.Name != "seller-1" {
		t.Fatalf("expected REGISTER from seller-1, got %+v", frame)
	}
}

func TestParticipantOffersStockedItem(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	_, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	_, peerAddr := coord.recv(time.Second) // REGISTER

	coord.send(peerAddr, wire.SearchFrame{RQ: "r1", Item: "book", Description: "hardcover"})

	frame, _ := coord.recv(time.Second)
	offer, ok := frame.(wire.OfferFrame)
	if !ok || offer.Seller != "seller-1" || offer.Price != 1500 {
		t.Fatalf("unexpected offer: %+v", frame)
	}
}

func TestParticipantIgnoresSearchForUnstockedItem(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	_, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	_, peerAddr := coord.recv(time.Second) // REGISTER

	coord.send(peerAddr, wire.SearchFrame{RQ: "r1", Item: "laptop", Description: "x"})

	coord.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, wire.MaxFrameBytes+1)
	if _, _, err := coord.conn.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no reply for unstocked item")
	}
}

func TestParticipantNegotiatesAboveFloor(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	_, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	_, peerAddr := coord.recv(time.Second) // REGISTER

	coord.send(peerAddr, wire.NegotiateFrame{RQ: "r1", Item: "book", MaxPrice: 1200})

	frame, _ := coord.recv(time.Second)
	accept, ok := frame.(wire.AcceptFrame)
	if !ok || accept.MaxPrice != 1200 {
		t.Fatalf("expected ACCEPT at 1200, got %+v", frame)
	}
}

func TestParticipantRefusesBelowFloor(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	_, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	_, peerAddr := coord.recv(time.Second) // REGISTER

	coord.send(peerAddr, wire.NegotiateFrame{RQ: "r1", Item: "book", MaxPrice: 500})

	frame, _ := coord.recv(time.Second)
	refuse, ok := frame.(wire.RefuseFrame)
	if !ok || refuse.MaxPrice != 500 {
		t.Fatalf("expected REFUSE at 500, got %+v", frame)
	}
}

func TestParticipantBuysOnFound(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	_, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	_, peerAddr := coord.recv(time.Second) // REGISTER

	coord.send(peerAddr, wire.FoundFrame{RQ: "r1", Item: "book", Price: 1400, Seller: "other-seller"})

	frame, _ := coord.recv(time.Second)
	buy, ok := frame.(wire.BuyFrame)
	if !ok || buy.Price != 1400 || buy.Item != "book" {
		t.Fatalf("expected BUY, got %+v", frame)
	}
}

func TestParticipantServesInformReqOverStream(t *testing.T) {
	dir := t.TempDir()
	invPath := writeInventory(t, dir, "book 15.00 10.00")

	coord := newFakeCoordinator(t)
	p, stop := startParticipant(t, coord.addr(), invPath)
	defer stop()

	coord.recv(time.Second) // REGISTER

	conn, dialErr := net.Dial("tcp", p.StreamAddr().String())
	if dialErr != nil {
		t.Fatalf("dial stream: %v", dialErr)
	}
	defer conn.Close()

	req := wire.InformReqFrame{TxID: "tx1", Item: "book", Price: 1500}
	if _, err := conn.Write([]byte(req.Encode() + "\n")); err != nil {
		t.Fatalf("write INFORM_Req: %v", err)
	}

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read INFORM_Res: %v", err)
	}
	resFrame, err := wire.ParseStream(string(buf[:n]))
	if err != nil {
		t.Fatalf("parse INFORM_Res: %v", err)
	}
	res, ok := resFrame.(wire.InformResFrame)
	if !ok || res.TxID != "tx1" || res.Name != "seller-1" {
		t.Fatalf("unexpected INFORM_Res: %+v", resFrame)
	}
}
