package waterledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestExchange(t *testing.T) (*Exchange, *MemoryFunds, *MemoryPublisher) {
	funds := NewMemoryFunds()
	publisher := NewMemoryPublisher()
	ex := NewExchange("murray", funds, publisher)

	go func() {
		_ = ex.Start()
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ex.Shutdown(ctx)
	})

	return ex, funds, publisher
}

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestSellThenBuyFullLifecycle(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(2000))

	sell, err := ex.AddSellOrder(ctx, "alice", d(10), 100, "a")
	assert.NoError(t, err)
	assert.Empty(t, sell.Trades)

	// The full quantity is escrowed at placement.
	balance, err := ex.BalanceOf(ctx, "alice", "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), balance)

	buy, err := ex.AddBuyOrder(ctx, "bob", d(10), 100, "a")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 1)

	trade := buy.Trades[0]
	assert.Equal(t, "bob", trade.Buyer)
	assert.Equal(t, "alice", trade.Seller)
	assert.True(t, trade.Price.Equal(d(10)))
	assert.Equal(t, uint64(100), trade.Quantity)
	assert.Equal(t, TradePending, trade.Status)

	// Both sides fully matched; the book is empty.
	buys, err := ex.GetOrderBook(ctx, Buy, 10)
	assert.NoError(t, err)
	assert.Empty(t, buys)
	sells, err := ex.GetOrderBook(ctx, Sell, 10)
	assert.NoError(t, err)
	assert.Empty(t, sells)

	completed, err := ex.CompleteTrade(ctx, trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, TradeCompleted, completed.Status)

	balance, err = ex.BalanceOf(ctx, "bob", "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	// Funds leg: bob paid 1000, alice received it.
	assert.True(t, funds.BalanceOf("alice").Equal(d(1000)))
	assert.True(t, funds.BalanceOf("bob").Equal(d(1000)))

	price, err := ex.GetLastTradedPrice(ctx)
	assert.NoError(t, err)
	assert.True(t, price.Equal(d(10)))
}

func TestFifthSellFailsInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	ex, _, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 80))

	for i := 0; i < 4; i++ {
		_, err := ex.AddSellOrder(ctx, "alice", d(100), 20, "a")
		assert.NoError(t, err)
	}

	_, err := ex.AddSellOrder(ctx, "alice", d(100), 20, "a")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed submission left the book untouched.
	sells, err := ex.GetOrderBook(ctx, Sell, 10)
	assert.NoError(t, err)
	assert.Len(t, sells, 4)
}

func TestCancelRestoresEscrow(t *testing.T) {
	ctx := context.Background()
	ex, _, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 200))

	result, err := ex.AddSellOrder(ctx, "alice", d(10), 30, "a")
	assert.NoError(t, err)

	balance, _ := ex.BalanceOf(ctx, "alice", "a")
	assert.Equal(t, uint64(170), balance)

	assert.NoError(t, ex.DeleteOrder(ctx, "alice", result.OrderID))

	balance, _ = ex.BalanceOf(ctx, "alice", "a")
	assert.Equal(t, uint64(200), balance)

	assert.ErrorIs(t, ex.DeleteOrder(ctx, "alice", result.OrderID), ErrOrderNotFound)
}

func TestCancelBuyReleasesFunds(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	funds.Deposit("bob", d(500))

	result, err := ex.AddBuyOrder(ctx, "bob", d(10), 30, "a")
	assert.NoError(t, err)
	assert.True(t, funds.Available("bob").Equal(d(200)))

	assert.NoError(t, ex.DeleteOrder(ctx, "bob", result.OrderID))
	assert.True(t, funds.Available("bob").Equal(d(500)))
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(1000))

	result, err := ex.AddSellOrder(ctx, "alice", d(10), 100, "a")
	assert.NoError(t, err)

	assert.ErrorIs(t, ex.DeleteOrder(ctx, "bob", result.OrderID), ErrUnauthorized)

	// A partial fill makes the order permanent.
	_, err = ex.AddBuyOrder(ctx, "bob", d(10), 40, "a")
	assert.NoError(t, err)
	assert.ErrorIs(t, ex.DeleteOrder(ctx, "alice", result.OrderID), ErrAlreadyMatched)
}

func TestTransferOutOfZoneInvalidated(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZones(ctx, []string{"d", "e"}, []uint64{500, 0}, []uint64{1000, 10000}))
	assert.NoError(t, ex.Allocate(ctx, "d", "carol", 600))
	funds.Deposit("dan", d(1000))

	// Moving 150 out of zone d would leave supply at 450, below the floor.
	_, err := ex.AddSellOrder(ctx, "carol", d(5), 150, "d")
	assert.NoError(t, err)
	buy, err := ex.AddBuyOrder(ctx, "dan", d(5), 150, "e")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 1)
	trade := buy.Trades[0]

	settled, err := ex.ValidateTrade(ctx, trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, TradeInvalid, settled.Status)

	// Full restoration: carol's escrow returned, dan's reservation released.
	balance, _ := ex.BalanceOf(ctx, "carol", "d")
	assert.Equal(t, uint64(600), balance)
	assert.True(t, funds.Available("dan").Equal(d(1000)))

	supply, _ := ex.GetTotalSupply(ctx, "d")
	assert.Equal(t, uint64(600), supply)

	// Terminal trades settle exactly once.
	_, err = ex.ValidateTrade(ctx, trade.ID)
	assert.ErrorIs(t, err, ErrTradeSettled)
	_, err = ex.CompleteTrade(ctx, trade.ID)
	assert.ErrorIs(t, err, ErrTradeSettled)
}

func TestTransferIntoZoneCompletes(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZones(ctx, []string{"d", "e"}, []uint64{500, 0}, []uint64{1000, 10000}))
	assert.NoError(t, ex.Allocate(ctx, "d", "carol", 600))
	assert.NoError(t, ex.Allocate(ctx, "e", "eve", 300))
	funds.Deposit("carol", d(1000))

	// 150 into zone d raises supply to 750, inside [500, 1000].
	_, err := ex.AddSellOrder(ctx, "eve", d(5), 150, "e")
	assert.NoError(t, err)
	buy, err := ex.AddBuyOrder(ctx, "carol", d(5), 150, "d")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 1)

	settled, err := ex.ValidateTrade(ctx, buy.Trades[0].ID)
	assert.NoError(t, err)
	assert.Equal(t, TradeCompleted, settled.Status)

	supplyD, _ := ex.GetTotalSupply(ctx, "d")
	supplyE, _ := ex.GetTotalSupply(ctx, "e")
	assert.Equal(t, uint64(750), supplyD)
	assert.Equal(t, uint64(150), supplyE)

	balance, _ := ex.BalanceOf(ctx, "carol", "d")
	assert.Equal(t, uint64(750), balance)
}

func TestSelfTradeSkipped(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("alice", d(5000))
	funds.Deposit("bob", d(5000))

	_, err := ex.AddSellOrder(ctx, "alice", d(100), 10, "a")
	assert.NoError(t, err)

	// Alice's own buy skips her sell and rests.
	buy, err := ex.AddBuyOrder(ctx, "alice", d(100), 10, "a")
	assert.NoError(t, err)
	assert.Empty(t, buy.Trades)

	buys, _ := ex.GetOrderBook(ctx, Buy, 10)
	sells, _ := ex.GetOrderBook(ctx, Sell, 10)
	assert.Len(t, buys, 1)
	assert.Len(t, sells, 1)

	// A third party still matches the resting sell.
	bobBuy, err := ex.AddBuyOrder(ctx, "bob", d(100), 10, "a")
	assert.NoError(t, err)
	assert.Len(t, bobBuy.Trades, 1)
	assert.Equal(t, "alice", bobBuy.Trades[0].Seller)
}

func TestMakerPriceAndImprovementRelease(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 50))
	funds.Deposit("bob", d(5000))

	_, err := ex.AddSellOrder(ctx, "alice", d(90), 50, "a")
	assert.NoError(t, err)

	// Bob bids 100 but trades at the resting 90; the unused 10/unit reserve
	// is released immediately.
	buy, err := ex.AddBuyOrder(ctx, "bob", d(100), 50, "a")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 1)
	assert.True(t, buy.Trades[0].Price.Equal(d(90)))

	assert.True(t, funds.Available("bob").Equal(d(500)), "available %s", funds.Available("bob"))

	_, err = ex.CompleteTrade(ctx, buy.Trades[0].ID)
	assert.NoError(t, err)
	assert.True(t, funds.BalanceOf("bob").Equal(d(500)))
	assert.True(t, funds.BalanceOf("alice").Equal(d(4500)))
}

func TestPartialFillRests(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(1000))

	_, err := ex.AddSellOrder(ctx, "alice", d(10), 100, "a")
	assert.NoError(t, err)

	buy, err := ex.AddBuyOrder(ctx, "bob", d(10), 40, "a")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 1)
	assert.Equal(t, uint64(40), buy.Trades[0].Quantity)

	sells, _ := ex.GetOrderBook(ctx, Sell, 10)
	assert.Len(t, sells, 1)
	assert.Equal(t, uint64(60), sells[0].Quantity)
}

func TestMultipleFillsPriceTimeOrder(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.AllocateAll(ctx,
		[]string{"a", "a", "a"},
		[]string{"s1", "s2", "s3"},
		[]uint64{10, 10, 10}))
	funds.Deposit("bob", d(10000))

	// s2 offers the best price; s1 and s3 tie and fill by submission time.
	_, err := ex.AddSellOrder(ctx, "s1", d(100), 10, "a")
	assert.NoError(t, err)
	_, err = ex.AddSellOrder(ctx, "s2", d(95), 10, "a")
	assert.NoError(t, err)
	_, err = ex.AddSellOrder(ctx, "s3", d(100), 10, "a")
	assert.NoError(t, err)

	buy, err := ex.AddBuyOrder(ctx, "bob", d(100), 30, "a")
	assert.NoError(t, err)
	assert.Len(t, buy.Trades, 3)
	assert.Equal(t, "s2", buy.Trades[0].Seller)
	assert.Equal(t, "s1", buy.Trades[1].Seller)
	assert.Equal(t, "s3", buy.Trades[2].Seller)
	assert.True(t, buy.Trades[0].Price.Equal(d(95)))
}

func TestAcceptOrder(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZones(ctx, []string{"a", "b"}, []uint64{0, 0}, []uint64{1000, 1000}))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(2000))

	result, err := ex.AddSellOrder(ctx, "alice", d(10), 100, "a")
	assert.NoError(t, err)

	// The owner cannot accept their own order.
	_, err = ex.AcceptOrder(ctx, "alice", result.OrderID, "a")
	assert.ErrorIs(t, err, ErrSelfTrade)

	// Bob takes the whole sell into his own zone.
	trade, err := ex.AcceptOrder(ctx, "bob", result.OrderID, "b")
	assert.NoError(t, err)
	assert.Equal(t, "bob", trade.Buyer)
	assert.Equal(t, "a", trade.FromZone)
	assert.Equal(t, "b", trade.ToZone)
	assert.Equal(t, uint64(100), trade.Quantity)

	sells, _ := ex.GetOrderBook(ctx, Sell, 10)
	assert.Empty(t, sells)

	_, err = ex.AcceptOrder(ctx, "bob", result.OrderID, "b")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	completed, err := ex.CompleteTrade(ctx, trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, TradeCompleted, completed.Status)

	balance, _ := ex.BalanceOf(ctx, "bob", "b")
	assert.Equal(t, uint64(100), balance)
}

func TestAcceptBuyOrder(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZones(ctx, []string{"a", "b"}, []uint64{0, 0}, []uint64{1000, 1000}))
	assert.NoError(t, ex.Allocate(ctx, "b", "carol", 50))
	funds.Deposit("bob", d(2000))

	result, err := ex.AddBuyOrder(ctx, "bob", d(10), 50, "a")
	assert.NoError(t, err)

	// Carol sells her zone-b water into bob's resting buy.
	trade, err := ex.AcceptOrder(ctx, "carol", result.OrderID, "b")
	assert.NoError(t, err)
	assert.Equal(t, "bob", trade.Buyer)
	assert.Equal(t, "carol", trade.Seller)
	assert.Equal(t, "b", trade.FromZone)
	assert.Equal(t, "a", trade.ToZone)

	balance, _ := ex.BalanceOf(ctx, "carol", "b")
	assert.Equal(t, uint64(0), balance)

	_, err = ex.CompleteTrade(ctx, trade.ID)
	assert.NoError(t, err)

	balance, _ = ex.BalanceOf(ctx, "bob", "a")
	assert.Equal(t, uint64(50), balance)
	assert.True(t, funds.BalanceOf("carol").Equal(d(500)))
}

func TestAccountOrdersAndQueries(t *testing.T) {
	ctx := context.Background()
	ex, _, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))

	var firstID string
	for i := 0; i < 3; i++ {
		result, err := ex.AddSellOrder(ctx, "alice", d(int64(100+i)), 10, "a")
		assert.NoError(t, err)
		if i == 0 {
			firstID = result.OrderID
		}
	}

	orders, err := ex.GetOrdersForAccount(ctx, "alice", 10)
	assert.NoError(t, err)
	assert.Len(t, orders, 3)
	assert.Equal(t, firstID, orders[0].ID) // oldest first

	orders, err = ex.GetOrdersForAccount(ctx, "alice", 2)
	assert.NoError(t, err)
	assert.Len(t, orders, 2)

	order, err := ex.GetOrderByID(ctx, firstID)
	assert.NoError(t, err)
	assert.Equal(t, "alice", order.Owner)

	_, err = ex.GetOrderByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	zones, err := ex.GetZones(ctx)
	assert.NoError(t, err)
	assert.Len(t, zones, 1)
	assert.Equal(t, uint64(100), zones[0].Supply)

	lo, hi, err := ex.GetTransferLimits(ctx, "a")
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), lo)
	assert.Equal(t, uint64(1000), hi)
}

func TestBestOrders(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(10000))

	highestBuy, lowestSell, err := ex.GetBestOrders(ctx)
	assert.NoError(t, err)
	assert.Nil(t, highestBuy)
	assert.Nil(t, lowestSell)

	_, err = ex.AddSellOrder(ctx, "alice", d(120), 10, "a")
	assert.NoError(t, err)
	_, err = ex.AddSellOrder(ctx, "alice", d(110), 10, "a")
	assert.NoError(t, err)
	_, err = ex.AddBuyOrder(ctx, "bob", d(90), 10, "a")
	assert.NoError(t, err)
	_, err = ex.AddBuyOrder(ctx, "bob", d(95), 10, "a")
	assert.NoError(t, err)

	highestBuy, lowestSell, err = ex.GetBestOrders(ctx)
	assert.NoError(t, err)
	assert.True(t, highestBuy.Price.Equal(d(95)))
	assert.True(t, lowestSell.Price.Equal(d(110)))
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	funds.Deposit("bob", d(1000))

	_, err := ex.AddBuyOrder(ctx, "bob", d(10), 10, "missing")
	assert.ErrorIs(t, err, ErrZoneNotFound)

	_, err = ex.AddBuyOrder(ctx, "bob", d(0), 10, "a")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = ex.AddBuyOrder(ctx, "bob", d(10), 0, "a")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = ex.AddBuyOrder(ctx, "", d(10), 10, "a")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = ex.AddBuyOrder(ctx, "bob", d(200), 10, "a")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestBuyInsufficientFundsLeavesBookUnchanged(t *testing.T) {
	ctx := context.Background()
	ex, funds, _ := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(100))

	_, err := ex.AddSellOrder(ctx, "alice", d(10), 100, "a")
	assert.NoError(t, err)

	// Reservation is for the full limit amount, checked before matching.
	_, err = ex.AddBuyOrder(ctx, "bob", d(10), 50, "a")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	sells, _ := ex.GetOrderBook(ctx, Sell, 10)
	assert.Len(t, sells, 1)
	assert.Equal(t, uint64(100), sells[0].Quantity)
}

func TestShutdownRejectsNewCommands(t *testing.T) {
	ctx := context.Background()
	funds := NewMemoryFunds()
	ex := NewExchange("murray", funds, NewDiscardPublisher())

	go func() {
		_ = ex.Start()
	}()

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Shutdown(ctx))

	err := ex.AddZone(ctx, "b", 0, 1000)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestEventSequenceMonotonic(t *testing.T) {
	ctx := context.Background()
	ex, funds, publisher := newTestExchange(t)

	assert.NoError(t, ex.AddZone(ctx, "a", 0, 1000))
	assert.NoError(t, ex.Allocate(ctx, "a", "alice", 100))
	funds.Deposit("bob", d(2000))

	_, err := ex.AddSellOrder(ctx, "alice", d(10), 100, "a")
	assert.NoError(t, err)
	buy, err := ex.AddBuyOrder(ctx, "bob", d(10), 100, "a")
	assert.NoError(t, err)
	_, err = ex.CompleteTrade(ctx, buy.Trades[0].ID)
	assert.NoError(t, err)

	events := publisher.Events()
	assert.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Sequence)
	}

	created := publisher.OfType(EventTradeCreated)
	assert.Len(t, created, 1)
	assert.Equal(t, "bob", created[0].Account)
	assert.Equal(t, "alice", created[0].Counterparty)

	completed := publisher.OfType(EventTradeCompleted)
	assert.Len(t, completed, 1)
}
