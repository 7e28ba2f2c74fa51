package waterledger

// Zone is a named pool of tradable water entitlement. Supply is the total
// outstanding entitlement recorded against the zone and must stay within the
// regulator-defined transfer limits [Min, Max] after every mutation.
//
// Supply always equals the sum of account balances in the zone plus any
// quantity escrowed in open sell orders: escrow reduces the seller's balance
// without touching supply, and supply only moves when a settlement carries
// entitlement across the zone boundary.
type Zone struct {
	Identifier string `json:"identifier"`
	Supply     uint64 `json:"supply"`
	Min        uint64 `json:"min"`
	Max        uint64 `json:"max"`
}

type balanceKey struct {
	account string
	zone    string
}

// Ledger is the per-zone entitlement accounting book. It is not safe for
// concurrent use; the exchange serializes all access through its command loop.
type Ledger struct {
	zones    map[string]*Zone
	zoneIDs  []string // registration order, for stable listing
	balances map[balanceKey]uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		zones:    make(map[string]*Zone),
		balances: make(map[balanceKey]uint64),
	}
}

// AddZone registers a new zone with transfer limits [min, max]. Supply starts
// at zero and is built up by allocations.
func (l *Ledger) AddZone(identifier string, min, max uint64) (Event, error) {
	if identifier == "" {
		return Event{}, ErrInvalidParam
	}
	if min > max {
		return Event{}, ErrInvalidZoneLimits
	}
	if _, ok := l.zones[identifier]; ok {
		return Event{}, ErrZoneExists
	}

	l.zones[identifier] = &Zone{Identifier: identifier, Min: min, Max: max}
	l.zoneIDs = append(l.zoneIDs, identifier)

	return Event{Type: EventZoneAdded, Zone: identifier}, nil
}

// AddZones registers several zones at once from parallel arrays. The batch is
// atomic: a length mismatch or any invalid entry leaves the ledger unchanged.
func (l *Ledger) AddZones(identifiers []string, mins, maxes []uint64) ([]Event, error) {
	if len(identifiers) != len(mins) || len(identifiers) != len(maxes) {
		return nil, ErrLengthMismatch
	}

	seen := make(map[string]struct{}, len(identifiers))
	for i, id := range identifiers {
		if id == "" {
			return nil, ErrInvalidParam
		}
		if mins[i] > maxes[i] {
			return nil, ErrInvalidZoneLimits
		}
		if _, ok := l.zones[id]; ok {
			return nil, ErrZoneExists
		}
		if _, dup := seen[id]; dup {
			return nil, ErrZoneExists
		}
		seen[id] = struct{}{}
	}

	events := make([]Event, 0, len(identifiers))
	for i, id := range identifiers {
		ev, err := l.AddZone(id, mins[i], maxes[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Zone returns the zone registered under identifier.
func (l *Ledger) Zone(identifier string) (Zone, bool) {
	z, ok := l.zones[identifier]
	if !ok {
		return Zone{}, false
	}
	return *z, true
}

// Zones lists all zones in registration order.
func (l *Ledger) Zones() []Zone {
	out := make([]Zone, 0, len(l.zoneIDs))
	for _, id := range l.zoneIDs {
		out = append(out, *l.zones[id])
	}
	return out
}

// Allocate grants an initial entitlement to an account, raising both the
// account balance and the zone supply.
func (l *Ledger) Allocate(zone, account string, amount uint64) (Event, error) {
	z, ok := l.zones[zone]
	if !ok {
		return Event{}, ErrZoneNotFound
	}
	if amount > z.Max-z.Supply {
		return Event{}, ErrZoneBoundsExceeded
	}

	z.Supply += amount
	key := balanceKey{account: account, zone: zone}
	l.balances[key] += amount

	return Event{
		Type:     EventBalanceAllocated,
		Account:  account,
		Zone:     zone,
		Quantity: amount,
		Balance:  l.balances[key],
		Supply:   z.Supply,
	}, nil
}

// AllocateAll performs a batch of allocations from parallel arrays. The batch
// is atomic: every entry is validated before any balance moves.
func (l *Ledger) AllocateAll(zones, accounts []string, amounts []uint64) ([]Event, error) {
	if len(zones) != len(accounts) || len(zones) != len(amounts) {
		return nil, ErrLengthMismatch
	}

	// Validate against projected supplies so that two allocations into the
	// same zone cannot jointly breach its cap.
	projected := make(map[string]uint64, len(zones))
	for i, zone := range zones {
		z, ok := l.zones[zone]
		if !ok {
			return nil, ErrZoneNotFound
		}
		if amounts[i] > z.Max-z.Supply-projected[zone] {
			return nil, ErrZoneBoundsExceeded
		}
		projected[zone] += amounts[i]
	}

	events := make([]Event, 0, len(zones))
	for i := range zones {
		ev, err := l.Allocate(zones[i], accounts[i], amounts[i])
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Credit raises an account balance and the zone supply by amount.
func (l *Ledger) Credit(zone, account string, amount uint64) (Event, error) {
	z, ok := l.zones[zone]
	if !ok {
		return Event{}, ErrZoneNotFound
	}
	if amount > z.Max-z.Supply {
		return Event{}, ErrZoneBoundsExceeded
	}

	z.Supply += amount
	key := balanceKey{account: account, zone: zone}
	l.balances[key] += amount

	return Event{
		Type:     EventBalanceCredited,
		Account:  account,
		Zone:     zone,
		Quantity: amount,
		Balance:  l.balances[key],
		Supply:   z.Supply,
	}, nil
}

// Debit lowers an account balance and the zone supply by amount.
func (l *Ledger) Debit(zone, account string, amount uint64) (Event, error) {
	z, ok := l.zones[zone]
	if !ok {
		return Event{}, ErrZoneNotFound
	}
	key := balanceKey{account: account, zone: zone}
	if amount > l.balances[key] {
		return Event{}, ErrInsufficientBalance
	}
	if z.Supply-amount < z.Min {
		return Event{}, ErrZoneBoundsExceeded
	}

	z.Supply -= amount
	l.balances[key] -= amount

	return Event{
		Type:     EventBalanceDebited,
		Account:  account,
		Zone:     zone,
		Quantity: amount,
		Balance:  l.balances[key],
		Supply:   z.Supply,
	}, nil
}

// BalanceOf returns the account's balance in the zone. Unknown accounts and
// zones report zero.
func (l *Ledger) BalanceOf(account, zone string) uint64 {
	return l.balances[balanceKey{account: account, zone: zone}]
}

// TotalSupply returns the zone's outstanding supply.
func (l *Ledger) TotalSupply(zone string) (uint64, error) {
	z, ok := l.zones[zone]
	if !ok {
		return 0, ErrZoneNotFound
	}
	return z.Supply, nil
}

// TransferLimits returns the zone's [min, max] supply bounds.
func (l *Ledger) TransferLimits(zone string) (uint64, uint64, error) {
	z, ok := l.zones[zone]
	if !ok {
		return 0, 0, ErrZoneNotFound
	}
	return z.Min, z.Max, nil
}

// IsFromTransferValid reports whether moving amount out of the zone keeps its
// supply at or above the minimum.
func (l *Ledger) IsFromTransferValid(zone string, amount uint64) bool {
	z, ok := l.zones[zone]
	if !ok {
		return false
	}
	return amount <= z.Supply && z.Supply-amount >= z.Min
}

// IsToTransferValid reports whether moving amount into the zone keeps its
// supply at or below the maximum.
func (l *Ledger) IsToTransferValid(zone string, amount uint64) bool {
	z, ok := l.zones[zone]
	if !ok {
		return false
	}
	return amount <= z.Max-z.Supply
}

// hold escrows amount out of the account's balance without touching supply.
// The entitlement has not left the zone; it is merely locked pending a match.
func (l *Ledger) hold(zone, account string, amount uint64) (Event, error) {
	if _, ok := l.zones[zone]; !ok {
		return Event{}, ErrZoneNotFound
	}
	key := balanceKey{account: account, zone: zone}
	if amount > l.balances[key] {
		return Event{}, ErrInsufficientBalance
	}

	l.balances[key] -= amount

	return Event{
		Type:     EventBalanceDebited,
		Account:  account,
		Zone:     zone,
		Quantity: amount,
		Balance:  l.balances[key],
		Supply:   l.zones[zone].Supply,
	}, nil
}

// release returns escrowed amount to the account's balance.
func (l *Ledger) release(zone, account string, amount uint64) Event {
	key := balanceKey{account: account, zone: zone}
	l.balances[key] += amount

	// Escrowed water never left the zone, so supply is unchanged.
	var supply uint64
	if z, ok := l.zones[zone]; ok {
		supply = z.Supply
	}
	return Event{
		Type:     EventBalanceCredited,
		Account:  account,
		Zone:     zone,
		Quantity: amount,
		Balance:  l.balances[key],
		Supply:   supply,
	}
}

// settle carries escrowed quantity across the zone boundary: the from-zone
// supply drops (the seller's balance was already reduced at escrow time) and
// the buyer is credited in the to-zone. Callers must have verified both
// transfer limits; settle does not re-check them.
func (l *Ledger) settle(fromZone, toZone, buyer string, quantity uint64) []Event {
	to := l.zones[toZone]
	key := balanceKey{account: buyer, zone: toZone}

	// A same-zone trade moves no supply, so the only ledger change left is
	// the buyer's credit.
	if fromZone == toZone {
		l.balances[key] += quantity
		return []Event{{
			Type:     EventBalanceCredited,
			Account:  buyer,
			Zone:     toZone,
			Quantity: quantity,
			Balance:  l.balances[key],
			Supply:   to.Supply,
		}}
	}

	from := l.zones[fromZone]
	from.Supply -= quantity
	to.Supply += quantity
	l.balances[key] += quantity

	return []Event{
		{
			// Escrow leaving the zone is a supply move, not an account debit.
			Type:     EventSupplyDebited,
			Zone:     fromZone,
			ToZone:   toZone,
			Quantity: quantity,
			Supply:   from.Supply,
		},
		{
			Type:     EventBalanceCredited,
			Account:  buyer,
			Zone:     toZone,
			Quantity: quantity,
			Balance:  l.balances[key],
			Supply:   to.Supply,
		},
	}
}
