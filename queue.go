package waterledger

import (
	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

type priceUnit struct {
	totalQuantity uint64
	head          *Order
	tail          *Order
	count         int64
}

// queue holds one side of the order book: a skip list of price levels, each
// level a FIFO linked list of orders. Price-time priority falls out of the
// structure: the skip list orders the levels (descending for bids, ascending
// for asks) and new orders join the tail of their level.
type queue struct {
	side        Side
	totalOrders int64
	depths      int64
	depthList   *skiplist.SkipList
	priceList   map[string]*skiplist.Element
	orders      map[string]*Order
}

// newBuyerQueue creates a queue for buy orders (bids), sorted by price in
// descending order (highest price first).
func newBuyerQueue() *queue {
	return &queue{
		side: Buy,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			if d1.LessThan(d2) {
				return 1
			} else if d1.GreaterThan(d2) {
				return -1
			}

			return 0
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// newSellerQueue creates a queue for sell orders (asks), sorted by price in
// ascending order (lowest price first).
func newSellerQueue() *queue {
	return &queue{
		side: Sell,
		depthList: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			d1, _ := lhs.(decimal.Decimal)
			d2, _ := rhs.(decimal.Decimal)

			if d1.GreaterThan(d2) {
				return 1
			} else if d1.LessThan(d2) {
				return -1
			}

			return 0
		})),
		priceList: make(map[string]*skiplist.Element),
		orders:    make(map[string]*Order),
	}
}

// order finds an order by its ID.
func (q *queue) order(id string) *Order {
	return q.orders[id]
}

// insertOrder inserts an order at the tail of its price level, creating the
// level if needed.
func (q *queue) insertOrder(order *Order) {
	levelKey := order.Price.String()
	el, ok := q.priceList[levelKey]
	if ok {
		unit, _ := el.Value.(*priceUnit)

		order.prev = unit.tail
		order.next = nil
		if unit.tail != nil {
			unit.tail.next = order
		}
		unit.tail = order
		if unit.head == nil {
			unit.head = order
		}

		unit.totalQuantity += order.Quantity
		unit.count++
		q.orders[order.ID] = order
		q.totalOrders++
	} else {
		unit := &priceUnit{
			head:          order,
			tail:          order,
			totalQuantity: order.Quantity,
			count:         1,
		}
		order.next = nil
		order.prev = nil

		q.orders[order.ID] = order

		el := q.depthList.Set(order.Price, unit)
		q.priceList[levelKey] = el

		q.totalOrders++
		q.depths++
	}
}

// removeOrder removes an order from the queue and cleans up its price level
// if it becomes empty.
func (q *queue) removeOrder(id string) {
	order, ok := q.orders[id]
	if !ok {
		return
	}

	levelKey := order.Price.String()
	skipElement, ok := q.priceList[levelKey]
	if !ok {
		return
	}
	unit, _ := skipElement.Value.(*priceUnit)

	if order.prev != nil {
		order.prev.next = order.next
	} else {
		unit.head = order.next
	}

	if order.next != nil {
		order.next.prev = order.prev
	} else {
		unit.tail = order.prev
	}

	order.next = nil
	order.prev = nil

	unit.totalQuantity -= order.Quantity
	unit.count--
	delete(q.orders, id)
	q.totalOrders--

	if unit.count == 0 {
		q.depthList.RemoveElement(skipElement)
		delete(q.priceList, levelKey)
		q.depths--
	}
}

// reduceOrder decrements an order's remaining quantity in place, preserving
// its time priority, and removes it once it reaches zero.
func (q *queue) reduceOrder(id string, filled uint64) {
	order, ok := q.orders[id]
	if !ok {
		return
	}
	if filled > order.Quantity {
		filled = order.Quantity
	}

	if el, ok := q.priceList[order.Price.String()]; ok {
		unit, _ := el.Value.(*priceUnit)
		unit.totalQuantity -= filled
	}
	order.Quantity -= filled

	if order.Quantity == 0 {
		q.removeOrder(id)
	}
}

// peekHeadOrder returns the order at the front of the queue (best price)
// without removing it.
func (q *queue) peekHeadOrder() *Order {
	el := q.depthList.Front()
	if el == nil {
		return nil
	}

	unit, _ := el.Value.(*priceUnit)
	return unit.head
}

// crosses reports whether a resting order at price can trade against an
// incoming order limited to limit on the opposite side.
func (q *queue) crosses(price, limit decimal.Decimal) bool {
	if q.side == Sell {
		return price.LessThanOrEqual(limit) // ask must not exceed the buyer's limit
	}
	return price.GreaterThanOrEqual(limit) // bid must meet the seller's limit
}

// firstMatchable returns the highest-priority resting order whose price
// crosses limit and whose owner differs from owner. Orders owned by the
// submitter are skipped and left resting; the scan continues to the next-best
// counter-order. At most scanLimit orders are examined so a hostile book
// cannot force unbounded work.
func (q *queue) firstMatchable(owner string, limit decimal.Decimal, scanLimit int) *Order {
	scanned := 0
	for el := q.depthList.Front(); el != nil; el = el.Next() {
		unit, _ := el.Value.(*priceUnit)
		if !q.crosses(unit.head.Price, limit) {
			return nil
		}
		for order := unit.head; order != nil; order = order.next {
			if scanned >= scanLimit {
				return nil
			}
			scanned++
			if order.Owner != owner {
				return order
			}
		}
	}
	return nil
}

// list returns up to limit orders in priority order as detached copies.
func (q *queue) list(limit int) []*Order {
	result := make([]*Order, 0, limit)
	for el := q.depthList.Front(); el != nil && len(result) < limit; el = el.Next() {
		unit, _ := el.Value.(*priceUnit)
		for order := unit.head; order != nil && len(result) < limit; order = order.next {
			result = append(result, order.clone())
		}
	}
	return result
}

// orderCount returns the total number of orders in the queue.
func (q *queue) orderCount() int64 {
	return q.totalOrders
}

// depthCount returns the number of price levels in the queue.
func (q *queue) depthCount() int64 {
	return q.depths
}

// toSnapshot serializes the queue in priority order.
func (q *queue) toSnapshot() []Order {
	snapshots := make([]Order, 0, q.totalOrders)

	elem := q.depthList.Front()
	for elem != nil {
		unit := elem.Value.(*priceUnit)

		order := unit.head
		for order != nil {
			cp := *order
			cp.next = nil
			cp.prev = nil
			snapshots = append(snapshots, cp)
			order = order.next
		}

		elem = elem.Next()
	}

	return snapshots
}
