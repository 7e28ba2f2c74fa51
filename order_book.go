package waterledger

// orderBook holds the two resting-order queues and a per-owner index used for
// bounded account listing. It is mutated only from the exchange command loop.
type orderBook struct {
	bidQueue *queue
	askQueue *queue
	byOwner  map[string][]string // owner -> order IDs, oldest first
}

func newOrderBook() *orderBook {
	return &orderBook{
		bidQueue: newBuyerQueue(),
		askQueue: newSellerQueue(),
		byOwner:  make(map[string][]string),
	}
}

func (b *orderBook) sideQueue(side Side) *queue {
	if side == Buy {
		return b.bidQueue
	}
	return b.askQueue
}

// order finds a resting order on either side.
func (b *orderBook) order(id string) *Order {
	if o := b.bidQueue.order(id); o != nil {
		return o
	}
	return b.askQueue.order(id)
}

func (b *orderBook) insert(order *Order) {
	b.sideQueue(order.Side).insertOrder(order)
	b.byOwner[order.Owner] = append(b.byOwner[order.Owner], order.ID)
}

func (b *orderBook) remove(order *Order) {
	b.sideQueue(order.Side).removeOrder(order.ID)
	b.dropOwnerIndex(order.Owner, order.ID)
}

// reduce shrinks a resting order by filled, removing it when fully matched.
func (b *orderBook) reduce(order *Order, filled uint64) {
	remaining := order.Quantity - min(filled, order.Quantity)
	b.sideQueue(order.Side).reduceOrder(order.ID, filled)
	if remaining == 0 {
		b.dropOwnerIndex(order.Owner, order.ID)
	}
}

func (b *orderBook) dropOwnerIndex(owner, id string) {
	ids := b.byOwner[owner]
	for i, existing := range ids {
		if existing == id {
			b.byOwner[owner] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.byOwner[owner]) == 0 {
		delete(b.byOwner, owner)
	}
}

// best returns the highest-priority resting order on side, nil when empty.
func (b *orderBook) best(side Side) *Order {
	return b.sideQueue(side).peekHeadOrder()
}

// list returns up to limit resting orders on side in priority order.
func (b *orderBook) list(side Side, limit int) []*Order {
	return b.sideQueue(side).list(limit)
}

// ordersForAccount returns up to limit of the owner's resting orders, oldest
// first.
func (b *orderBook) ordersForAccount(owner string, limit int) []*Order {
	ids := b.byOwner[owner]
	result := make([]*Order, 0, min(limit, len(ids)))
	for _, id := range ids {
		if len(result) >= limit {
			break
		}
		if o := b.order(id); o != nil {
			result = append(result, o.clone())
		}
	}
	return result
}
