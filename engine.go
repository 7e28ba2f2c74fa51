package waterledger

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

const (
	// DefaultListLimit is the listing cap applied when a caller passes no
	// explicit limit.
	DefaultListLimit = 10

	// maxFillsPerOrder bounds the number of fills a single submission may
	// generate before the remainder rests.
	maxFillsPerOrder = 100

	// matchScanLimit bounds how many resting counter-orders one fill attempt
	// may examine while skipping the submitter's own orders.
	matchScanLimit = 1000
)

type commandKind uint8

const (
	cmdAddOrder commandKind = iota + 1
	cmdAcceptOrder
	cmdDeleteOrder
	cmdValidateTrade
	cmdCompleteTrade
	cmdAddZones
	cmdAllocate
	cmdAllocateAll
	cmdCredit
	cmdDebit
	cmdGetBook
	cmdGetOrder
	cmdGetAccountOrders
	cmdGetTrade
	cmdGetLastPrice
	cmdGetBalance
	cmdGetLimits
	cmdGetSupply
	cmdGetZones
	cmdGetBest
	cmdSnapshot
)

type response struct {
	data any
	err  error
}

type command struct {
	kind    commandKind
	payload any
	resp    chan response
}

type submitRequest struct {
	owner    string
	side     Side
	price    decimal.Decimal
	quantity uint64
	zone     string
}

type acceptRequest struct {
	acceptor string
	orderID  string
	zone     string
}

type deleteRequest struct {
	caller  string
	orderID string
}

type zonesRequest struct {
	identifiers []string
	mins        []uint64
	maxes       []uint64
}

type balanceChangeRequest struct {
	zone    string
	account string
	amount  uint64
}

type allocateAllRequest struct {
	zones    []string
	accounts []string
	amounts  []uint64
}

type listRequest struct {
	side  Side
	limit int
}

type accountOrdersRequest struct {
	account string
	limit   int
}

type balanceQuery struct {
	account string
	zone    string
}

// SubmitResult is the outcome of an order submission: the resting order's ID
// and the trades created while crossing the book. When the order fills
// completely it no longer rests, but its ID remains the handle trades refer
// back to.
type SubmitResult struct {
	OrderID string   `json:"order_id"`
	Trades  []*Trade `json:"trades"`
}

// Exchange is the matching-and-settlement engine for one water scheme. All
// mutating operations and queries are serialized through a single command
// loop, giving strict total ordering: each operation runs to completion or
// aborts entirely, and no operation observes another mid-flight.
type Exchange struct {
	scheme           string
	seq              atomic.Uint64
	isShutdown       atomic.Bool
	ledger           *Ledger
	funds            FundsLedger
	book             *orderBook
	trades           map[string]*Trade
	lastPrice        decimal.Decimal
	cmdChan          chan command
	done             chan struct{}
	shutdownComplete chan struct{}
	publisher        Publisher
}

// NewExchange creates an exchange for the named scheme. The funds ledger
// escrows the pricing currency for buy orders; the publisher receives every
// domain event. Call Start before submitting operations.
func NewExchange(scheme string, funds FundsLedger, publisher Publisher) *Exchange {
	return &Exchange{
		scheme:           scheme,
		ledger:           NewLedger(),
		funds:            funds,
		book:             newOrderBook(),
		trades:           make(map[string]*Trade),
		cmdChan:          make(chan command, 1024),
		done:             make(chan struct{}),
		shutdownComplete: make(chan struct{}),
		publisher:        publisher,
	}
}

// Scheme returns the scheme name the exchange was created with.
func (ex *Exchange) Scheme() string {
	return ex.scheme
}

// Start runs the exchange loop until Shutdown is called, draining pending
// commands before returning.
func (ex *Exchange) Start() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger.Info("exchange started", "scheme", ex.scheme)

	for {
		select {
		case <-ex.done:
			return ex.drain()
		case cmd := <-ex.cmdChan:
			ex.dispatch(cmd)
		}
	}
}

// Shutdown stops the exchange and waits for pending commands to drain.
// Returns ctx.Err() if the context expires first.
func (ex *Exchange) Shutdown(ctx context.Context) error {
	if ex.isShutdown.CompareAndSwap(false, true) {
		close(ex.done)
	}

	select {
	case <-ex.shutdownComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ex *Exchange) drain() error {
	defer close(ex.shutdownComplete)
	defer logger.Info("exchange stopped", "scheme", ex.scheme)

	for {
		select {
		case cmd := <-ex.cmdChan:
			ex.dispatch(cmd)
		default:
			return nil
		}
	}
}

func (ex *Exchange) dispatch(cmd command) {
	var res response

	switch cmd.kind {
	case cmdAddOrder:
		req, _ := cmd.payload.(*submitRequest)
		res.data, res.err = ex.submit(req)
	case cmdAcceptOrder:
		req, _ := cmd.payload.(*acceptRequest)
		res.data, res.err = ex.accept(req)
	case cmdDeleteOrder:
		req, _ := cmd.payload.(*deleteRequest)
		res.err = ex.deleteOrder(req)
	case cmdValidateTrade, cmdCompleteTrade:
		id, _ := cmd.payload.(string)
		res.data, res.err = ex.settleTrade(id)
	case cmdAddZones:
		req, _ := cmd.payload.(*zonesRequest)
		res.err = ex.addZones(req)
	case cmdAllocate:
		req, _ := cmd.payload.(*balanceChangeRequest)
		ev, err := ex.ledger.Allocate(req.zone, req.account, req.amount)
		res.err = err
		if err == nil {
			ex.publish(ev)
		}
	case cmdAllocateAll:
		req, _ := cmd.payload.(*allocateAllRequest)
		events, err := ex.ledger.AllocateAll(req.zones, req.accounts, req.amounts)
		res.err = err
		if err == nil {
			ex.publish(events...)
		}
	case cmdCredit:
		req, _ := cmd.payload.(*balanceChangeRequest)
		ev, err := ex.ledger.Credit(req.zone, req.account, req.amount)
		res.err = err
		if err == nil {
			ex.publish(ev)
		}
	case cmdDebit:
		req, _ := cmd.payload.(*balanceChangeRequest)
		ev, err := ex.ledger.Debit(req.zone, req.account, req.amount)
		res.err = err
		if err == nil {
			ex.publish(ev)
		}
	case cmdGetBook:
		req, _ := cmd.payload.(*listRequest)
		res.data = ex.book.list(req.side, req.limit)
	case cmdGetOrder:
		id, _ := cmd.payload.(string)
		if o := ex.book.order(id); o != nil {
			res.data = o.clone()
		} else {
			res.err = ErrOrderNotFound
		}
	case cmdGetAccountOrders:
		req, _ := cmd.payload.(*accountOrdersRequest)
		res.data = ex.book.ordersForAccount(req.account, req.limit)
	case cmdGetTrade:
		id, _ := cmd.payload.(string)
		if t, ok := ex.trades[id]; ok {
			res.data = t.clone()
		} else {
			res.err = ErrTradeNotFound
		}
	case cmdGetLastPrice:
		res.data = ex.lastPrice
	case cmdGetBalance:
		q, _ := cmd.payload.(*balanceQuery)
		res.data = ex.ledger.BalanceOf(q.account, q.zone)
	case cmdGetLimits:
		zone, _ := cmd.payload.(string)
		lo, hi, err := ex.ledger.TransferLimits(zone)
		res.data, res.err = [2]uint64{lo, hi}, err
	case cmdGetSupply:
		zone, _ := cmd.payload.(string)
		res.data, res.err = ex.ledger.TotalSupply(zone)
	case cmdGetZones:
		res.data = ex.ledger.Zones()
	case cmdGetBest:
		best := [2]*Order{}
		if o := ex.book.best(Buy); o != nil {
			best[0] = o.clone()
		}
		if o := ex.book.best(Sell); o != nil {
			best[1] = o.clone()
		}
		res.data = best
	case cmdSnapshot:
		res.data = ex.snapshot()
	}

	if cmd.resp != nil {
		cmd.resp <- res
	}
}

func (ex *Exchange) do(ctx context.Context, kind commandKind, payload any) (any, error) {
	if ex.isShutdown.Load() {
		return nil, ErrShutdown
	}

	cmd := command{kind: kind, payload: payload, resp: make(chan response, 1)}

	select {
	case ex.cmdChan <- cmd:
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	select {
	case res := <-cmd.resp:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// publish stamps the events with sequence numbers and hands them to the
// publisher. Called only from the command loop.
func (ex *Exchange) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	now := time.Now().UTC()
	for i := range events {
		events[i].Sequence = ex.seq.Add(1)
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
	}
	ex.publisher.Publish(events...)
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// AddBuyOrder submits a limit buy. The buyer's funds (price x quantity) are
// reserved before any matching happens; the submission aborts whole on
// ErrInsufficientFunds.
func (ex *Exchange) AddBuyOrder(ctx context.Context, owner string, price decimal.Decimal, quantity uint64, zone string) (*SubmitResult, error) {
	return ex.addOrder(ctx, owner, Buy, price, quantity, zone)
}

// AddSellOrder submits a limit sell. The seller's zone balance is escrowed
// for the full quantity before any matching happens; the submission aborts
// whole on ErrInsufficientBalance.
func (ex *Exchange) AddSellOrder(ctx context.Context, owner string, price decimal.Decimal, quantity uint64, zone string) (*SubmitResult, error) {
	return ex.addOrder(ctx, owner, Sell, price, quantity, zone)
}

func (ex *Exchange) addOrder(ctx context.Context, owner string, side Side, price decimal.Decimal, quantity uint64, zone string) (*SubmitResult, error) {
	if owner == "" || quantity == 0 || price.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidOrder
	}

	data, err := ex.do(ctx, cmdAddOrder, &submitRequest{
		owner:    owner,
		side:     side,
		price:    price,
		quantity: quantity,
		zone:     zone,
	})
	if err != nil {
		return nil, err
	}
	result, _ := data.(*SubmitResult)
	return result, nil
}

// AcceptOrder takes a resting order in full at its limit price: the acceptor
// becomes the counterparty, supplying their own zone for the opposite leg.
// The owner of an order may not accept it; no trade is created in that case.
func (ex *Exchange) AcceptOrder(ctx context.Context, acceptor, orderID, zone string) (*Trade, error) {
	if acceptor == "" || orderID == "" {
		return nil, ErrInvalidParam
	}

	data, err := ex.do(ctx, cmdAcceptOrder, &acceptRequest{acceptor: acceptor, orderID: orderID, zone: zone})
	if err != nil {
		return nil, err
	}
	trade, _ := data.(*Trade)
	return trade, nil
}

// DeleteOrder cancels an unmatched resting order. Only the owner may cancel,
// and any matched quantity makes the order permanent; the unmatched escrow is
// refunded in full.
func (ex *Exchange) DeleteOrder(ctx context.Context, caller, orderID string) error {
	if orderID == "" {
		return ErrInvalidParam
	}
	_, err := ex.do(ctx, cmdDeleteOrder, &deleteRequest{caller: caller, orderID: orderID})
	return err
}

// ValidateTrade re-checks a pending trade against both zones' transfer limits
// and settles it: completion when the move stays within bounds, invalidation
// with full restoration otherwise. Terminal trades return ErrTradeSettled.
func (ex *Exchange) ValidateTrade(ctx context.Context, tradeID string) (*Trade, error) {
	data, err := ex.do(ctx, cmdValidateTrade, tradeID)
	if err != nil {
		return nil, err
	}
	trade, _ := data.(*Trade)
	return trade, nil
}

// CompleteTrade settles a pending trade, crediting the buyer in the to-zone.
// The transfer-limit check always runs first; an out-of-bounds trade is
// invalidated and restored rather than completed.
func (ex *Exchange) CompleteTrade(ctx context.Context, tradeID string) (*Trade, error) {
	data, err := ex.do(ctx, cmdCompleteTrade, tradeID)
	if err != nil {
		return nil, err
	}
	trade, _ := data.(*Trade)
	return trade, nil
}

// AddZone registers a single zone with transfer limits [min, max].
func (ex *Exchange) AddZone(ctx context.Context, identifier string, min, max uint64) error {
	return ex.AddZones(ctx, []string{identifier}, []uint64{min}, []uint64{max})
}

// AddZones registers zones from parallel arrays, atomically.
func (ex *Exchange) AddZones(ctx context.Context, identifiers []string, mins, maxes []uint64) error {
	_, err := ex.do(ctx, cmdAddZones, &zonesRequest{identifiers: identifiers, mins: mins, maxes: maxes})
	return err
}

// Allocate grants an initial entitlement to an account in a zone.
func (ex *Exchange) Allocate(ctx context.Context, zone, account string, amount uint64) error {
	_, err := ex.do(ctx, cmdAllocate, &balanceChangeRequest{zone: zone, account: account, amount: amount})
	return err
}

// AllocateAll grants entitlements from parallel arrays, atomically.
func (ex *Exchange) AllocateAll(ctx context.Context, zones, accounts []string, amounts []uint64) error {
	_, err := ex.do(ctx, cmdAllocateAll, &allocateAllRequest{zones: zones, accounts: accounts, amounts: amounts})
	return err
}

// Credit raises an account's zone balance and the zone supply.
func (ex *Exchange) Credit(ctx context.Context, zone, account string, amount uint64) error {
	_, err := ex.do(ctx, cmdCredit, &balanceChangeRequest{zone: zone, account: account, amount: amount})
	return err
}

// Debit lowers an account's zone balance and the zone supply.
func (ex *Exchange) Debit(ctx context.Context, zone, account string, amount uint64) error {
	_, err := ex.do(ctx, cmdDebit, &balanceChangeRequest{zone: zone, account: account, amount: amount})
	return err
}

// GetOrderBook returns up to limit resting orders on side in priority order.
func (ex *Exchange) GetOrderBook(ctx context.Context, side Side, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	data, err := ex.do(ctx, cmdGetBook, &listRequest{side: side, limit: limit})
	if err != nil {
		return nil, err
	}
	orders, _ := data.([]*Order)
	return orders, nil
}

// GetOrderByID returns the resting order with the given ID.
func (ex *Exchange) GetOrderByID(ctx context.Context, orderID string) (*Order, error) {
	data, err := ex.do(ctx, cmdGetOrder, orderID)
	if err != nil {
		return nil, err
	}
	order, _ := data.(*Order)
	return order, nil
}

// GetOrdersForAccount returns up to limit of the account's resting orders,
// oldest first.
func (ex *Exchange) GetOrdersForAccount(ctx context.Context, account string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	data, err := ex.do(ctx, cmdGetAccountOrders, &accountOrdersRequest{account: account, limit: limit})
	if err != nil {
		return nil, err
	}
	orders, _ := data.([]*Order)
	return orders, nil
}

// GetTrade returns the trade with the given ID, terminal or pending.
func (ex *Exchange) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	data, err := ex.do(ctx, cmdGetTrade, tradeID)
	if err != nil {
		return nil, err
	}
	trade, _ := data.(*Trade)
	return trade, nil
}

// GetLastTradedPrice returns the price of the most recent match, zero when
// nothing has traded.
func (ex *Exchange) GetLastTradedPrice(ctx context.Context) (decimal.Decimal, error) {
	data, err := ex.do(ctx, cmdGetLastPrice, nil)
	if err != nil {
		return decimal.Zero, err
	}
	price, _ := data.(decimal.Decimal)
	return price, nil
}

// BalanceOf returns the account's entitlement balance in the zone.
func (ex *Exchange) BalanceOf(ctx context.Context, account, zone string) (uint64, error) {
	data, err := ex.do(ctx, cmdGetBalance, &balanceQuery{account: account, zone: zone})
	if err != nil {
		return 0, err
	}
	balance, _ := data.(uint64)
	return balance, nil
}

// GetTransferLimits returns the zone's [min, max] supply bounds.
func (ex *Exchange) GetTransferLimits(ctx context.Context, zone string) (uint64, uint64, error) {
	data, err := ex.do(ctx, cmdGetLimits, zone)
	if err != nil {
		return 0, 0, err
	}
	limits, _ := data.([2]uint64)
	return limits[0], limits[1], nil
}

// GetTotalSupply returns the zone's outstanding supply.
func (ex *Exchange) GetTotalSupply(ctx context.Context, zone string) (uint64, error) {
	data, err := ex.do(ctx, cmdGetSupply, zone)
	if err != nil {
		return 0, err
	}
	supply, _ := data.(uint64)
	return supply, nil
}

// GetBestOrders returns the highest-priced resting buy and the lowest-priced
// resting sell. Either is nil when its side is empty.
func (ex *Exchange) GetBestOrders(ctx context.Context) (highestBuy, lowestSell *Order, err error) {
	data, err := ex.do(ctx, cmdGetBest, nil)
	if err != nil {
		return nil, nil, err
	}
	best, _ := data.([2]*Order)
	return best[0], best[1], nil
}

// GetZones lists the registered zones.
func (ex *Exchange) GetZones(ctx context.Context) ([]Zone, error) {
	data, err := ex.do(ctx, cmdGetZones, nil)
	if err != nil {
		return nil, err
	}
	zones, _ := data.([]Zone)
	return zones, nil
}

// ---------------------------------------------------------------------------
// Command handlers (run on the exchange loop)
// ---------------------------------------------------------------------------

func (ex *Exchange) addZones(req *zonesRequest) error {
	events, err := ex.ledger.AddZones(req.identifiers, req.mins, req.maxes)
	if err != nil {
		return err
	}
	ex.publish(events...)
	return nil
}

func (ex *Exchange) submit(req *submitRequest) (*SubmitResult, error) {
	if _, ok := ex.ledger.Zone(req.zone); !ok {
		return nil, ErrZoneNotFound
	}

	order := &Order{
		ID:        xid.New().String(),
		Owner:     req.owner,
		Side:      req.side,
		Price:     req.price,
		Quantity:  req.quantity,
		Zone:      req.zone,
		CreatedAt: time.Now().UnixNano(),
	}

	var events []Event

	// Escrow before matching: a submission that cannot fund itself aborts
	// here with no book or ledger change.
	if order.Side == Sell {
		ev, err := ex.ledger.hold(order.Zone, order.Owner, order.Quantity)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	} else {
		if err := ex.funds.Reserve(order.Owner, order.Price.Mul(decimal.NewFromUint64(order.Quantity))); err != nil {
			return nil, err
		}
	}

	result := &SubmitResult{OrderID: order.ID}

	for len(result.Trades) < maxFillsPerOrder && order.Quantity > 0 {
		counter := ex.book.sideQueue(order.Side.Opposite()).firstMatchable(order.Owner, order.Price, matchScanLimit)
		if counter == nil {
			break
		}

		matched := min(order.Quantity, counter.Quantity)
		now := time.Now().UnixNano()
		if !counter.Matched() {
			counter.MatchedAt = now
		}
		order.MatchedAt = now

		// Trades execute at the resting order's price; the resting side keeps
		// its price improvement.
		trade := &Trade{
			ID:        xid.New().String(),
			Price:     counter.Price,
			Quantity:  matched,
			Status:    TradePending,
			CreatedAt: now,
		}
		if order.Side == Buy {
			trade.Buyer, trade.Seller = order.Owner, counter.Owner
			trade.BuyOrderID, trade.SellOrderID = order.ID, counter.ID
			trade.FromZone, trade.ToZone = counter.Zone, order.Zone

			// Buying below the reserved limit price frees the difference.
			if order.Price.GreaterThan(trade.Price) {
				ex.funds.Release(order.Owner, order.Price.Sub(trade.Price).Mul(decimal.NewFromUint64(matched)))
			}
		} else {
			trade.Buyer, trade.Seller = counter.Owner, order.Owner
			trade.BuyOrderID, trade.SellOrderID = counter.ID, order.ID
			trade.FromZone, trade.ToZone = order.Zone, counter.Zone
		}

		ex.trades[trade.ID] = trade
		ex.book.reduce(counter, matched)
		order.Quantity -= matched
		ex.lastPrice = trade.Price
		result.Trades = append(result.Trades, trade.clone())

		events = append(events, Event{
			Type:         EventTradeCreated,
			TradeID:      trade.ID,
			OrderID:      counter.ID,
			Account:      trade.Buyer,
			Counterparty: trade.Seller,
			Zone:         trade.FromZone,
			ToZone:       trade.ToZone,
			Side:         order.Side, // taker side
			Price:        trade.Price,
			Quantity:     trade.Quantity,
			Amount:       trade.Amount(),
			Status:       trade.Status.String(),
		})
	}

	if order.Quantity > 0 {
		ex.book.insert(order)
		events = append(events, Event{
			Type:     EventOrderAdded,
			OrderID:  order.ID,
			Account:  order.Owner,
			Zone:     order.Zone,
			Side:     order.Side,
			Price:    order.Price,
			Quantity: order.Quantity, // resting remainder
		})
	}

	ex.publish(events...)
	return result, nil
}

func (ex *Exchange) accept(req *acceptRequest) (*Trade, error) {
	order := ex.book.order(req.orderID)
	if order == nil {
		return nil, ErrOrderNotFound
	}
	if order.Owner == req.acceptor {
		// Precondition failure: no trade is created and nothing moves.
		return nil, ErrSelfTrade
	}
	if _, ok := ex.ledger.Zone(req.zone); !ok {
		return nil, ErrZoneNotFound
	}

	quantity := order.Quantity
	amount := order.Price.Mul(decimal.NewFromUint64(quantity))
	now := time.Now().UnixNano()

	trade := &Trade{
		ID:        xid.New().String(),
		Price:     order.Price,
		Quantity:  quantity,
		Status:    TradePending,
		CreatedAt: now,
	}

	var events []Event

	if order.Side == Sell {
		// Acceptor buys the full sell order into their own zone.
		if err := ex.funds.Reserve(req.acceptor, amount); err != nil {
			return nil, err
		}
		trade.Buyer, trade.Seller = req.acceptor, order.Owner
		trade.SellOrderID = order.ID
		trade.FromZone, trade.ToZone = order.Zone, req.zone
	} else {
		// Acceptor sells their own entitlement into the resting buy.
		ev, err := ex.ledger.hold(req.zone, req.acceptor, quantity)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		trade.Buyer, trade.Seller = order.Owner, req.acceptor
		trade.BuyOrderID = order.ID
		trade.FromZone, trade.ToZone = req.zone, order.Zone
	}

	order.MatchedAt = now
	ex.book.reduce(order, quantity)
	ex.trades[trade.ID] = trade
	ex.lastPrice = trade.Price

	events = append(events,
		Event{
			Type:     EventOrderAccepted,
			OrderID:  order.ID,
			Account:  req.acceptor,
			Zone:     order.Zone,
			Side:     order.Side,
			Price:    order.Price,
			Quantity: quantity,
		},
		Event{
			Type:         EventTradeCreated,
			TradeID:      trade.ID,
			OrderID:      order.ID,
			Account:      trade.Buyer,
			Counterparty: trade.Seller,
			Zone:         trade.FromZone,
			ToZone:       trade.ToZone,
			Side:         order.Side.Opposite(), // acceptor takes the counter side
			Price:        trade.Price,
			Quantity:     trade.Quantity,
			Amount:       trade.Amount(),
			Status:       trade.Status.String(),
		},
	)

	ex.publish(events...)
	return trade.clone(), nil
}

func (ex *Exchange) deleteOrder(req *deleteRequest) error {
	order := ex.book.order(req.orderID)
	if order == nil {
		return ErrOrderNotFound
	}
	if order.Owner != req.caller {
		return ErrUnauthorized
	}
	if order.Matched() {
		return ErrAlreadyMatched
	}

	ex.book.remove(order)

	events := []Event{{
		Type:     EventOrderDeleted,
		OrderID:  order.ID,
		Account:  order.Owner,
		Zone:     order.Zone,
		Side:     order.Side,
		Price:    order.Price,
		Quantity: order.Quantity,
	}}

	// Refund the untouched escrow in full.
	if order.Side == Sell {
		events = append(events, ex.ledger.release(order.Zone, order.Owner, order.Quantity))
	} else {
		ex.funds.Release(order.Owner, order.Price.Mul(decimal.NewFromUint64(order.Quantity)))
	}

	ex.publish(events...)
	return nil
}

// settleTrade drives a pending trade to its terminal state. The transfer
// limits of both zones are rechecked at settlement time: the submission was
// valid when placed but zone capacity may have moved since.
func (ex *Exchange) settleTrade(tradeID string) (*Trade, error) {
	trade, ok := ex.trades[tradeID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	if trade.Status.Terminal() {
		return nil, ErrTradeSettled
	}

	// A same-zone trade never moves supply, so it cannot breach the bounds.
	valid := !trade.CrossZone() ||
		(ex.ledger.IsFromTransferValid(trade.FromZone, trade.Quantity) &&
			ex.ledger.IsToTransferValid(trade.ToZone, trade.Quantity))

	var events []Event

	if !valid {
		trade.Status = TradeInvalid
		events = append(events, ex.ledger.release(trade.FromZone, trade.Seller, trade.Quantity))
		ex.funds.Release(trade.Buyer, trade.Amount())
		events = append(events, Event{
			Type:         EventTradeInvalidated,
			TradeID:      trade.ID,
			Account:      trade.Buyer,
			Counterparty: trade.Seller,
			Zone:         trade.FromZone,
			ToZone:       trade.ToZone,
			Price:        trade.Price,
			Quantity:     trade.Quantity,
			Amount:       trade.Amount(),
			Status:       trade.Status.String(),
		})
		ex.publish(events...)
		logger.Warn("trade invalidated by zone transfer limits",
			"trade_id", trade.ID, "from_zone", trade.FromZone, "to_zone", trade.ToZone, "quantity", trade.Quantity)
		return trade.clone(), nil
	}

	events = append(events, ex.ledger.settle(trade.FromZone, trade.ToZone, trade.Buyer, trade.Quantity)...)
	ex.funds.Pay(trade.Buyer, trade.Seller, trade.Amount())
	trade.Status = TradeCompleted
	events = append(events, Event{
		Type:         EventTradeCompleted,
		TradeID:      trade.ID,
		Account:      trade.Buyer,
		Counterparty: trade.Seller,
		Zone:         trade.FromZone,
		ToZone:       trade.ToZone,
		Price:        trade.Price,
		Quantity:     trade.Quantity,
		Amount:       trade.Amount(),
		Status:       trade.Status.String(),
	})
	ex.publish(events...)
	return trade.clone(), nil
}
