package wire

import "testing"

func TestParseDatagramRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Frame
	}{
		{"register", "REGISTER rq1 A 127.0.0.1 5001 6001",
			RegisterFrame{RQ: "rq1", Name: "A", ClaimedHost: "127.0.0.1", UDPPort: 5001, StreamPort: 6001}},
		{"looking_for", "LOOKING_FOR r1 A book a used novel 20",
			LookingForFrame{RQ: "r1", Buyer: "A", Item: "book", Description: "a used novel", MaxPrice: 2000}},
		{"offer", "OFFER r1 B book 18", OfferFrame{RQ: "r1", Seller: "B", Item: "book", Price: 1800}},
		{"found", "FOUND r1 book 15 from C", FoundFrame{RQ: "r1", Item: "book", Price: 1500, Seller: "C"}},
		{"not_available", "NOT_AVAILABLE r4 rare 5", NotAvailableFrame{RQ: "r4", Item: "rare", MaxPrice: 500}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseDatagram([]byte(c.line))
			if err != nil {
				t.Fatalf("ParseDatagram(%q): %v", c.line, err)
			}
			if got != c.want {
				t.Fatalf("ParseDatagram(%q) = %#v, want %#v", c.line, got, c.want)
			}
			if enc := got.Encode(); enc != c.line {
				t.Fatalf("Encode() = %q, want %q", enc, c.line)
			}
		})
	}
}

func TestParseDatagramUnknownVerb(t *testing.T) {
	if _, err := ParseDatagram([]byte("FROBNICATE r1")); err == nil {
		t.Fatal("expected error for unknown verb")
	}
}

func TestParseDatagramOversize(t *testing.T) {
	big := make([]byte, MaxFrameBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	if _, err := ParseDatagram(big); err == nil {
		t.Fatal("expected error for oversize frame")
	}
}

func TestParseStreamRoundTrip(t *testing.T) {
	cases := []struct {
		line string
		want Frame
	}{
		{"INFORM_Req tx1 book 15", InformReqFrame{TxID: "tx1", Item: "book", Price: 1500}},
		{"INFORM_Res tx1 A 4111111111111111 12/30 221B Baker Street",
			InformResFrame{TxID: "tx1", Name: "A", CCNumber: "4111111111111111", CCExpiry: "12/30", Address: "221B Baker Street"}},
		{"Shipping_Info tx1 A 221B Baker Street",
			ShippingInfoFrame{TxID: "tx1", BuyerName: "A", BuyerAddress: "221B Baker Street"}},
		{"CANCEL tx1 timeout", StreamCancelFrame{TxID: "tx1", Reason: "timeout"}},
	}

	for _, c := range cases {
		got, err := ParseStream(c.line)
		if err != nil {
			t.Fatalf("ParseStream(%q): %v", c.line, err)
		}
		if got != c.want {
			t.Fatalf("ParseStream(%q) = %#v, want %#v", c.line, got, c.want)
		}
	}
}

func TestParseMoney(t *testing.T) {
	cases := map[string]int64{"18": 1800, "15.5": 1550, "0": 0}
	for in, want := range cases {
		got, err := ParseMoney(in)
		if err != nil {
			t.Fatalf("ParseMoney(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseMoney(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := ParseMoney("-1"); err == nil {
		t.Fatal("expected error for negative money")
	}
	if _, err := ParseMoney("not-a-number"); err == nil {
		t.Fatal("expected error for non-numeric money")
	}
}

func TestFormatMoney(t *testing.T) {
	cases := map[int64]string{1800: "18", 1550: "15.50", 0: "0"}
	for in, want := range cases {
		if got := FormatMoney(in); got != want {
			t.Fatalf("FormatMoney(%d) = %q, want %q", in, got, want)
		}
	}
}
