package txn

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishav/p2p-market/internal/lifecycle"
	"github.com/rishav/p2p-market/internal/wire"
)

// fakeCommitter records the outcome reported back to the lifecycle engine.
type fakeCommitter struct {
	done    chan struct{}
	rq      string
	success bool
}

func (c *fakeCommitter) CommitTransaction(rq string, success bool) {
	c.rq = rq
	c.success = success
	close(c.done)
}

// peerStub is a minimal stream listener standing in for a peer participant:
// it answers one INFORM_Req with a canned INFORM_Res, and if expectShipping
// is set, also waits for a Shipping_Info line.
func peerStub(t *testing.T, name string, expectShipping bool) (addr string, shippingLine chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	shippingLine = make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		frame, err := wire.ParseStream(strings.TrimSpace(line))
		if err != nil {
			return
		}
		req, ok := frame.(wire.InformReqFrame)
		if !ok {
			return
		}

		res := wire.InformResFrame{TxID: req.TxID, Name: name, CCNumber: "4111111111111111", CCExpiry: "12/30", Address: "221B Baker Street"}
		conn.Write([]byte(res.Encode() + "\n"))

		if expectShipping {
			line, err := reader.ReadString('\n')
			if err == nil {
				shippingLine <- strings.TrimSpace(line)
			}
		}
	}()

	return ln.Addr().String(), shippingLine
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// transaction commits end to end.
func TestOrchestratorCommitsSuccessfulTransaction(t *testing.T) {
	buyerAddr, _ := peerStub(t, "A", false)
	sellerAddr, shipping := peerStub(t, "C", true)

	committer := &fakeCommitter{done: make(chan struct{})}
	var settled Settlement
	orch := New(committer, time.Second, func(string) string { return "221B Baker Street" }, func(s Settlement) { settled = s })

	buyerHost, buyerPort := splitHostPort(t, buyerAddr)
	sellerHost, sellerPort := splitHostPort(t, sellerAddr)

	orch.Start(lifecycle.TransactionJob{
		RQ: "r1", Item: "book", Price: 1500,
		BuyerName: "A", BuyerHost: buyerHost, BuyerStreamPort: buyerPort,
		SellerName: "C", SellerHost: sellerHost, SellerStreamPort: sellerPort,
	})

	select {
	case <-committer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}

	assert.True(t, committer.success)
	assert.Equal(t, "r1", committer.rq)
	assert.Equal(t, int64(1500), settled.TotalPrice)
	assert.Equal(t, int64(1350), settled.SellerCredit)
	assert.Equal(t, int64(150), settled.CoordinatorFee)

	select {
	case line := <-shipping:
		assert.Contains(t, line, "Shipping_Info")
		assert.Contains(t, line, "A")
	case <-time.After(time.Second):
		t.Fatal("seller never received Shipping_Info")
	}
}

func TestOrchestratorFailsOnUnreachableSeller(t *testing.T) {
	buyerAddr, _ := peerStub(t, "A", false)
	buyerHost, buyerPort := splitHostPort(t, buyerAddr)

	committer := &fakeCommitter{done: make(chan struct{})}
	orch := New(committer, 200*time.Millisecond, nil, nil)

	orch.Start(lifecycle.TransactionJob{
		RQ: "r2", Item: "book", Price: 1000,
		BuyerName: "A", BuyerHost: buyerHost, BuyerStreamPort: buyerPort,
		SellerName: "ghost", SellerHost: "127.0.0.1", SellerStreamPort: 1,
	})

	select {
	case <-committer.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}

	assert.False(t, committer.success)
	assert.Equal(t, "r2", committer.rq)
}

func TestSettleSplitIs90_10(t *testing.T) {
	s := settle("tx1", "book", 2000)
	assert.Equal(t, int64(1800), s.SellerCredit)
	assert.Equal(t, int64(200), s.CoordinatorFee)
}
