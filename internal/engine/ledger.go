package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

// creditPlaces is the precision credits are rounded to (cents)
const creditPlaces = 2

// Ledger is the append-only credit journal of one cycle
type Ledger struct {
	Entries []LedgerEntry `json:"entries"`
}

func (l *Ledger) earn(unitID string, amount decimal.Decimal, memo string) {
	l.Entries = append(l.Entries, LedgerEntry{UnitID: unitID, Kind: KindEarn, Amount: amount, Memo: memo})
}

func (l *Ledger) charge(unitID string, amount decimal.Decimal, memo string) {
	l.Entries = append(l.Entries, LedgerEntry{UnitID: unitID, Kind: KindCharge, Amount: amount.Neg(), Memo: memo})
}

// Total is the sum of every entry; zero for a balanced cycle
func (l Ledger) Total() decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.Entries {
		total = total.Add(e.Amount)
	}
	return total
}

// Issued is the sum of all earn entries
func (l Ledger) Issued() decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.Entries {
		if e.Kind == KindEarn {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// BalanceOf returns the net credits of one unit
func (l Ledger) BalanceOf(unitID string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.Entries {
		if e.UnitID == unitID {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// Balances returns the net position of every unit, ordered by unit ID
func (l Ledger) Balances() []CreditBalance {
	byUnit := map[string]decimal.Decimal{}
	for _, e := range l.Entries {
		if cur, ok := byUnit[e.UnitID]; ok {
			byUnit[e.UnitID] = cur.Add(e.Amount)
		} else {
			byUnit[e.UnitID] = e.Amount
		}
	}

	out := make([]CreditBalance, 0, len(byUnit))
	for id, amt := range byUnit {
		out = append(out, CreditBalance{UnitID: id, Credits: amt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UnitID < out[j].UnitID
	})
	return out
}

// splitProRata divides a non-negative total across weights in whole cents
// using largest-remainder allocation: every share is floored, then the
// leftover cents go to the largest fractional parts, earliest first on ties.
// Shares are never negative and always sum to total.
func splitProRata(total decimal.Decimal, weights []float64) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return shares
	}

	sumW := 0.0
	for _, w := range weights {
		sumW += w
	}

	cents := total.Round(creditPlaces).Shift(creditPlaces)
	floors := make([]decimal.Decimal, len(weights))
	fracs := make([]decimal.Decimal, len(weights))
	left := cents
	for i, w := range weights {
		var raw decimal.Decimal
		if sumW > 0 {
			raw = cents.Mul(decimal.NewFromFloat(w)).Div(decimal.NewFromFloat(sumW))
		} else {
			raw = cents.Div(decimal.NewFromInt(int64(len(weights))))
		}
		floors[i] = raw.Floor()
		fracs[i] = raw.Sub(floors[i])
		left = left.Sub(floors[i])
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fracs[order[a]].GreaterThan(fracs[order[b]])
	})
	for k := 0; left.IsPositive() && k < len(order); k++ {
		floors[order[k]] = floors[order[k]].Add(decimal.NewFromInt(1))
		left = left.Sub(decimal.NewFromInt(1))
	}

	for i := range floors {
		shares[i] = floors[i].Shift(-creditPlaces)
	}
	return shares
}
