package oracle

import (
	"testing"
)

func TestStatic_VerifyAndFetch(t *testing.T) {
	s := NewStatic()
	s.SetPrice("btc-usd", 100_000_000)
	s.SetPrice("eth-usd", 3_000_000_000)

	prices, err := s.VerifyAndFetch(nil, []string{"btc-usd", "eth-usd"}, 1000)
	if err != nil {
		t.Fatalf("VerifyAndFetch: %v", err)
	}
	if prices["btc-usd"] != 100_000_000 || prices["eth-usd"] != 3_000_000_000 {
		t.Errorf("prices = %v", prices)
	}
}

func TestStatic_MissingPriceFails(t *testing.T) {
	s := NewStatic()
	s.SetPrice("btc-usd", 100_000_000)

	if _, err := s.VerifyAndFetch(nil, []string{"btc-usd", "sol-usd"}, 1000); err == nil {
		t.Fatal("missing price id did not fail")
	}
}

func TestStatic_FeesAccumulate(t *testing.T) {
	s := NewStatic()
	s.FeePerUpdate = 5
	s.SetPrice("btc-usd", 100_000_000)

	updates := [][]byte{[]byte("u1"), []byte("u2"), []byte("u3")}
	if _, err := s.VerifyAndFetch(updates, []string{"btc-usd"}, 1000); err != nil {
		t.Fatalf("VerifyAndFetch: %v", err)
	}
	if _, err := s.VerifyAndFetch(updates[:1], []string{"btc-usd"}, 1060); err != nil {
		t.Fatalf("VerifyAndFetch: %v", err)
	}

	if got := s.FeesPaid(); got != 20 {
		t.Errorf("FeesPaid = %d, want 20", got)
	}
}

func TestStatic_PriceUpdate(t *testing.T) {
	s := NewStatic()
	s.SetPrice("btc-usd", 100_000_000)
	s.SetPrice("btc-usd", 110_000_000)

	prices, err := s.VerifyAndFetch(nil, []string{"btc-usd"}, 1000)
	if err != nil {
		t.Fatalf("VerifyAndFetch: %v", err)
	}
	if prices["btc-usd"] != 110_000_000 {
		t.Errorf("price = %d, want latest 110000000", prices["btc-usd"])
	}
}
