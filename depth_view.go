package waterledger

import (
	"sync"

	"github.com/igrmk/treemap/v2"
	"github.com/shopspring/decimal"
)

// DepthLevel is one aggregated price level of the book.
type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity uint64          `json:"quantity"`
}

// DepthView maintains an aggregated price-level view of the order book,
// rebuilt purely from published events. Downstream consumers (the API layer,
// websocket feeds) read it without touching the exchange loop.
//
// It implements Publisher so it can be fanned out alongside the other sinks.
type DepthView struct {
	mu   sync.RWMutex
	seq  uint64
	bids *treemap.TreeMap[decimal.Decimal, uint64]
	asks *treemap.TreeMap[decimal.Decimal, uint64]
}

func NewDepthView() *DepthView {
	less := func(a, b decimal.Decimal) bool { return a.LessThan(b) }
	return &DepthView{
		bids: treemap.NewWithKeyCompare[decimal.Decimal, uint64](less),
		asks: treemap.NewWithKeyCompare[decimal.Decimal, uint64](less),
	}
}

// Sequence returns the sequence number of the last applied event.
func (v *DepthView) Sequence() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.seq
}

// Restore seeds the view from a snapshot's resting orders and advances the
// sequence cursor to the snapshot's sequence. The journal prunes events the
// snapshot already covers, so a replay after Restore only applies what came
// later.
func (v *DepthView) Restore(snap *Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range snap.Bids {
		v.add(Buy, snap.Bids[i].Price, snap.Bids[i].Quantity)
	}
	for i := range snap.Asks {
		v.add(Sell, snap.Asks[i].Price, snap.Asks[i].Quantity)
	}
	if snap.Sequence > v.seq {
		v.seq = snap.Sequence
	}
}

// Publish applies events in order. Events already seen (at or below the
// current sequence) are skipped, so replay after a snapshot restore is safe.
func (v *DepthView) Publish(events ...Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range events {
		ev := &events[i]
		if ev.Sequence != 0 && ev.Sequence <= v.seq {
			continue
		}

		switch ev.Type {
		case EventOrderAdded:
			v.add(ev.Side, ev.Price, ev.Quantity)
		case EventOrderDeleted:
			v.reduce(ev.Side, ev.Price, ev.Quantity)
		case EventTradeCreated:
			// The resting side of the fill is opposite the taker side carried
			// on the event, and the fill price is the resting price.
			v.reduce(ev.Side.Opposite(), ev.Price, ev.Quantity)
		}

		if ev.Sequence > v.seq {
			v.seq = ev.Sequence
		}
	}
}

func (v *DepthView) side(side Side) *treemap.TreeMap[decimal.Decimal, uint64] {
	if side == Buy {
		return v.bids
	}
	return v.asks
}

func (v *DepthView) add(side Side, price decimal.Decimal, quantity uint64) {
	tm := v.side(side)
	current, _ := tm.Get(price)
	tm.Set(price, current+quantity)
}

func (v *DepthView) reduce(side Side, price decimal.Decimal, quantity uint64) {
	tm := v.side(side)
	current, ok := tm.Get(price)
	if !ok {
		return
	}
	if quantity >= current {
		tm.Del(price)
		return
	}
	tm.Set(price, current-quantity)
}

// Depth returns the aggregated quantity resting at one price level.
func (v *DepthView) Depth(side Side, price decimal.Decimal) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	quantity, _ := v.side(side).Get(price)
	return quantity
}

// Bids returns up to limit bid levels, best (highest) price first.
func (v *DepthView) Bids(limit int) []DepthLevel {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]DepthLevel, 0, limit)
	for it := v.bids.Reverse(); it.Valid() && len(out) < limit; it.Next() {
		out = append(out, DepthLevel{Price: it.Key(), Quantity: it.Value()})
	}
	return out
}

// Asks returns up to limit ask levels, best (lowest) price first.
func (v *DepthView) Asks(limit int) []DepthLevel {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]DepthLevel, 0, limit)
	for it := v.asks.Iterator(); it.Valid() && len(out) < limit; it.Next() {
		out = append(out, DepthLevel{Price: it.Key(), Quantity: it.Value()})
	}
	return out
}

// BestBid returns the highest bid level, reporting ok=false on an empty side.
func (v *DepthView) BestBid() (DepthLevel, bool) {
	levels := v.Bids(1)
	if len(levels) == 0 {
		return DepthLevel{}, false
	}
	return levels[0], true
}

// BestAsk returns the lowest ask level, reporting ok=false on an empty side.
func (v *DepthView) BestAsk() (DepthLevel, bool) {
	levels := v.Asks(1)
	if len(levels) == 0 {
		return DepthLevel{}, false
	}
	return levels[0], true
}
