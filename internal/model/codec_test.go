package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/atmx/predicta/internal/address"
)

func addr(b byte) address.Address {
	var a address.Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestMarketLayout_Size(t *testing.T) {
	if MarketSize != 219 {
		t.Fatalf("expected market layout of 219 bytes, got %d", MarketSize)
	}
	if RegistrySize != 3245 {
		t.Fatalf("expected registry layout of 3245 bytes, got %d", RegistrySize)
	}
}

func TestMarketBinary(t *testing.T) {
	in := Market{
		Authority: addr(7),
		TeamA:     "Lions",
		TeamB:     "Tigers",
		League:    "Premier League",
		MatchID:   "498123",
		StartTime: 1_760_000_000,
		EndTime:   1_760_007_200,
		Winner:    WinnerUnresolved,
		TotalYes:  1000,
		TotalNo:   ^uint64(0),
		Nonce:     254,
	}

	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != MarketSize {
		t.Fatalf("expected %d bytes, got %d", MarketSize, len(data))
	}

	var out Market
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("decoded market differs:\n got  %+v\n want %+v", out, in)
	}
}

func TestMarketBinary_Discriminator(t *testing.T) {
	r := Registry{Authority: addr(1)}
	data, _ := r.MarshalBinary()

	var m Market
	if err := m.UnmarshalBinary(data); !errors.Is(err, ErrBadDiscriminator) {
		t.Errorf("expected ErrBadDiscriminator, got %v", err)
	}
}

func TestMarketBinary_Truncated(t *testing.T) {
	m := Market{Authority: addr(1), TeamA: "A", TeamB: "B"}
	data, _ := m.MarshalBinary()

	var out Market
	if err := out.UnmarshalBinary(data[:40]); !errors.Is(err, ErrShortRecord) {
		t.Errorf("expected ErrShortRecord, got %v", err)
	}
}

func TestMarketBinary_FieldTooLong(t *testing.T) {
	m := Market{TeamA: strings.Repeat("a", 33)}
	if _, err := m.MarshalBinary(); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestRegistryBinary(t *testing.T) {
	in := Registry{Authority: addr(3), Nonce: 251}
	for i := 0; i < MaxMarkets; i++ {
		in.Markets = append(in.Markets, addr(byte(i)))
	}

	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(data) != RegistrySize {
		t.Fatalf("expected %d bytes, got %d", RegistrySize, len(data))
	}

	var out Registry
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Authority != in.Authority || out.Nonce != in.Nonce || len(out.Markets) != MaxMarkets {
		t.Fatalf("decoded registry differs: %+v", out)
	}
	for i := range in.Markets {
		if out.Markets[i] != in.Markets[i] {
			t.Fatalf("market %d differs", i)
		}
	}
}

func TestRegistryBinary_OverCapacity(t *testing.T) {
	r := Registry{Markets: make([]address.Address, MaxMarkets+1)}
	if _, err := r.MarshalBinary(); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("expected ErrFieldTooLong, got %v", err)
	}
}

func TestRegistry_ContainsAndFull(t *testing.T) {
	r := Registry{}
	if r.Contains(addr(1)) {
		t.Error("empty registry should not contain anything")
	}
	r.Markets = append(r.Markets, addr(1))
	if !r.Contains(addr(1)) {
		t.Error("expected registry to contain appended market")
	}
	if r.Full() {
		t.Error("registry with one entry is not full")
	}
	r.Markets = make([]address.Address, MaxMarkets)
	if !r.Full() {
		t.Error("registry at capacity should be full")
	}
}

func TestMarket_Open(t *testing.T) {
	m := Market{EndTime: 100}
	if !m.Open(99) {
		t.Error("market should be open before end time")
	}
	if m.Open(100) {
		t.Error("market should be closed at end time")
	}
	m.Resolved = true
	if m.Open(0) {
		t.Error("resolved market should never be open")
	}
}
