package registry

import (
	"testing"

	"github.com/coachpo/tidemark/internal/schema"
)

func TestAddFirstAndShared(t *testing.T) {
	r := New()

	first, added := r.Add("strategy-1", schema.KindQuote, "BTC-USD.SIM", nil)
	if !first || !added {
		t.Fatalf("expected first add, got first=%v added=%v", first, added)
	}

	first, added = r.Add("strategy-2", schema.KindQuote, "BTC-USD.SIM", nil)
	if first {
		t.Error("second consumer must not create a new venue subscription")
	}
	if !added {
		t.Error("expected second consumer to be added")
	}
	if r.Len() != 1 {
		t.Errorf("expected one underlying subscription, got %d", r.Len())
	}
}

func TestAddIdempotentPerConsumer(t *testing.T) {
	r := New()

	r.Add("strategy-1", schema.KindQuote, "BTC-USD.SIM", nil)
	first, added := r.Add("strategy-1", schema.KindQuote, "BTC-USD.SIM", nil)
	if first || added {
		t.Errorf("duplicate add must be a no-op, got first=%v added=%v", first, added)
	}
	if got := len(r.Consumers(schema.KindQuote, "BTC-USD.SIM")); got != 1 {
		t.Errorf("expected one consumer, got %d", got)
	}
}

func TestRemoveLast(t *testing.T) {
	r := New()
	r.Add("strategy-1", schema.KindTrade, "ETH-USD.SIM", nil)
	r.Add("strategy-2", schema.KindTrade, "ETH-USD.SIM", nil)

	last, removed := r.Remove("strategy-1", schema.KindTrade, "ETH-USD.SIM")
	if last || !removed {
		t.Errorf("expected non-last removal, got last=%v removed=%v", last, removed)
	}

	last, removed = r.Remove("strategy-2", schema.KindTrade, "ETH-USD.SIM")
	if !last || !removed {
		t.Errorf("expected last removal, got last=%v removed=%v", last, removed)
	}
	if r.Active(schema.KindTrade, "ETH-USD.SIM") {
		t.Error("expected subscription gone")
	}
}

func TestRemoveUnknown(t *testing.T) {
	r := New()
	last, removed := r.Remove("ghost", schema.KindQuote, "BTC-USD.SIM")
	if last || removed {
		t.Error("removing an unknown subscription must be a no-op")
	}
}

func TestRemoveConsumer(t *testing.T) {
	r := New()
	r.Add("strategy-1", schema.KindQuote, "BTC-USD.SIM", nil)
	r.Add("strategy-1", schema.KindTrade, "BTC-USD.SIM", nil)
	r.Add("strategy-2", schema.KindQuote, "BTC-USD.SIM", nil)

	ended := r.RemoveConsumer("strategy-1")
	if len(ended) != 1 {
		t.Fatalf("expected one ended subscription, got %d", len(ended))
	}
	if ended[0].Kind != schema.KindTrade {
		t.Errorf("expected trade subscription to end, got %s", ended[0].Kind)
	}
	if !r.Active(schema.KindQuote, "BTC-USD.SIM") {
		t.Error("shared quote subscription must survive")
	}
}

func TestScopes(t *testing.T) {
	r := New()
	r.Add("strategy-1", schema.KindQuote, "ETH-USD.SIM", nil)
	r.Add("strategy-1", schema.KindQuote, "BTC-USD.SIM", nil)
	r.Add("strategy-1", schema.KindTrade, "BTC-USD.SIM", nil)

	scopes := r.Scopes(schema.KindQuote)
	if len(scopes) != 2 || scopes[0] != "BTC-USD.SIM" || scopes[1] != "ETH-USD.SIM" {
		t.Errorf("unexpected scopes %v", scopes)
	}
}
