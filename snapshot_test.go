package waterledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZones(ctx, []string{"a", "b"}, []uint64{0, 0}, []uint64{1000, 1000}))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 200))
	funds.Deposit("bob", d(5000))

	_, err := ex.AddSellOrder(ctx, "alice", d(10), 50, "a")
	assert.NoError(t, err)
	_, err = ex.AddSellOrder(ctx, "alice", d(12), 30, "a")
	assert.NoError(t, err)
	buy, err := ex.AddBuyOrder(ctx, "bob", d(10), 20, "a")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 1)
	_, err = ex.AddBuyOrder(ctx, "bob", d(8), 15, "b")
	assert.NoError(t, err)

	snap, err := ex.TakeSnapshot(ctx)
	assert.NoError(t, err)
	assert.Equal(t, SnapshotSchemaVersion, snap.SchemaVersion)
	assert.Equal(t, "murray", snap.Scheme)
	assert.Len(t, snap.Asks, 2)
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Trades, 1)

	encoded, err := snap.Encode()
	assert.NoError(t, err)
	sum, err := snap.Checksum()
	assert.NoError(t, err)
	assert.NotZero(t, sum)

	decoded, err := DecodeSnapshot(encoded)
	assert.NoError(t, err)
	assert.Equal(t, snap.Sequence, decoded.Sequence)

	// Restore into a fresh exchange and verify the state carries over.
	restoredFunds := NewMemoryFunds()
	restoredFunds.Deposit("bob", d(5000))
	restored := NewExchange("murray", restoredFunds, NewDiscardPublisher())
	assert.NoError(t, restored.Restore(decoded))

	go func() {
		_ = restored.Start()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = restored.Shutdown(ctx)
	})

	balance, err := restored.BalanceOf(ctx, "alice", "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(120), balance) // 200 minus 80 escrowed

	sells, err := restored.GetOrderBook(ctx, Sell, 10)
	assert.NoError(t, err)
	assert.Len(t, sells, 2)
	assert.Equal(t, uint64(30), sells[0].Quantity) // 50 - 20 filled

	trade, err := restored.GetTrade(ctx, buy.Trades[0].ID)
	assert.NoError(t, err)
	assert.Equal(t, TradePending, trade.Status)

	price, err := restored.GetLastTradedPrice(ctx)
	assert.NoError(t, err)
	assert.True(t, price.Equal(d(10)))
}

func TestSnapshotRestorePreservesTimePriority(t *testing.T) {
	ctx := context.Background()
	ex, _, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.AllocateAll(ctx,
		[]string{"a", "a"},
		[]string{"s1", "s2"},
		[]uint64{10, 10}))

	first, err := ex.AddSellOrder(ctx, "s1", d(100), 10, "a")
	assert.NoError(t, err)
	_, err = ex.AddSellOrder(ctx, "s2", d(100), 10, "a")
	assert.NoError(t, err)

	snap, err := ex.TakeSnapshot(ctx)
	assert.NoError(t, err)

	restored := NewExchange("murray", NewMemoryFunds(), NewDiscardPublisher())
	assert.NoError(t, restored.Restore(snap))

	go func() {
		_ = restored.Start()
	}()
	t.Cleanup(func() { _ = restored.Shutdown(context.Background()) })

	sells, err := restored.GetOrderBook(ctx, Sell, 10)
	assert.NoError(t, err)
	assert.Len(t, sells, 2)
	assert.Equal(t, first.OrderID, sells[0].ID)
}

func TestSnapshotRestoreRejections(t *testing.T) {
	ex := NewExchange("murray", NewMemoryFunds(), NewDiscardPublisher())

	assert.ErrorIs(t, ex.Restore(nil), ErrInvalidSnapshot)

	wrongScheme := &Snapshot{SchemaVersion: SnapshotSchemaVersion, Scheme: "other"}
	assert.ErrorIs(t, ex.Restore(wrongScheme), ErrInvalidSnapshot)

	wrongVersion := &Snapshot{SchemaVersion: 99, Scheme: "murray"}
	assert.ErrorIs(t, ex.Restore(wrongVersion), ErrInvalidSnapshot)

	_, err := DecodeSnapshot([]byte(`{"schema_version":99}`))
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}
