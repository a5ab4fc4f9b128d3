package events

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestPositionChangedRecord(t *testing.T) {
	ev := PositionChanged{
		Kind:        TypePositionOpened,
		PositionID:  " pos-1 ",
		Borrower:    common.HexToAddress("0x01"),
		BorrowAsset: "usdc",
		Amount:      big.NewInt(1000),
		LtvBps:      5000,
	}
	rec := ToRecord(ev)
	if rec.Type != TypePositionOpened {
		t.Fatalf("unexpected type %q", rec.Type)
	}
	if rec.Attributes["positionId"] != "pos-1" {
		t.Fatalf("expected trimmed position id, got %q", rec.Attributes["positionId"])
	}
	if rec.Attributes["borrowAsset"] != "USDC" {
		t.Fatalf("expected upper-cased asset, got %q", rec.Attributes["borrowAsset"])
	}
	if rec.Attributes["principal"] != "0" {
		t.Fatalf("nil amounts should render as zero, got %q", rec.Attributes["principal"])
	}
	if rec.Attributes["ltvBps"] != "5000" {
		t.Fatalf("unexpected ltv %q", rec.Attributes["ltvBps"])
	}
}

func TestAuctionSettledType(t *testing.T) {
	if (AuctionSettled{Emergency: true}).EventType() != TypeAuctionEmergency {
		t.Fatalf("emergency settlement should use emergency type")
	}
	if (AuctionSettled{}).EventType() != TypeAuctionFinalized {
		t.Fatalf("regular settlement should use finalized type")
	}
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Emit(MarketRates{Asset: "usdc", BorrowRateBps: 300})

	select {
	case rec := <-ch:
		if rec.Type != TypeMarketRates || rec.Attributes["borrowRateBps"] != "300" {
			t.Fatalf("unexpected record: %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	bus.Emit(ConfigUpdated{Section: "market"})
	bus.Emit(ConfigUpdated{Section: "collateral"})
	cancel()

	count := 0
	for range ch {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", count)
	}
	// cancel is idempotent
	cancel()
}

type countingEmitter struct{ n int }

func (c *countingEmitter) Emit(Event) { c.n++ }

func TestMultiEmitterSkipsNil(t *testing.T) {
	a, b := &countingEmitter{}, &countingEmitter{}
	MultiEmitter{a, nil, b}.Emit(ConfigUpdated{})
	if a.n != 1 || b.n != 1 {
		t.Fatalf("expected both emitters to receive the event, got %d/%d", a.n, b.n)
	}
}
