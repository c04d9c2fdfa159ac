// Package economy defines the four traded chemicals, the two product
// recipes, and the shadow-price solver that values inventory.
package economy

import (
	"fmt"
	"math"
)

// Resource is one of the four raw chemicals traded on the exchange.
type Resource string

const (
	ResourceC Resource = "C"
	ResourceN Resource = "N"
	ResourceD Resource = "D"
	ResourceQ Resource = "Q"
)

// Resources lists all chemicals in canonical order.
var Resources = [4]Resource{ResourceC, ResourceN, ResourceD, ResourceQ}

// ValidResource reports whether r is one of the four chemical codes.
func ValidResource(r Resource) bool {
	switch r {
	case ResourceC, ResourceN, ResourceD, ResourceQ:
		return true
	}
	return false
}

// Inventory holds non-negative chemical quantities in gallons.
type Inventory map[Resource]float64

// Clone returns an independent copy with every chemical key present.
func (inv Inventory) Clone() Inventory {
	out := make(Inventory, len(Resources))
	for _, r := range Resources {
		out[r] = inv[r]
	}
	return out
}

// Round4 rounds q to 4 decimal places, the storage precision for gallons.
func Round4(q float64) float64 {
	return math.Round(q*10000) / 10000
}

// Validate rejects inventories with unknown chemicals or negative or
// non-finite quantities.
func (inv Inventory) Validate() error {
	for r, q := range inv {
		if !ValidResource(r) {
			return fmt.Errorf("%w: %q", ErrUnknownResource, r)
		}
		if math.IsNaN(q) || math.IsInf(q, 0) {
			return fmt.Errorf("%w: %s = %v", ErrInvalidQuantity, r, q)
		}
		if q < 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidQuantity, r, q)
		}
	}
	return nil
}

// Product recipes, per gallon of finished product. A drum of deicer sells
// for $100 per 50 gallons and a drum of solvent for $60 per 20 gallons,
// which is where the per-gallon profits come from.
const (
	DeicerC      = 0.5
	DeicerN      = 0.3
	DeicerD      = 0.2
	DeicerQ      = 0.0
	DeicerProfit = 2.0

	SolventC      = 0.0
	SolventN      = 0.25
	SolventD      = 0.35
	SolventQ      = 0.4
	SolventProfit = 3.0
)

// Consumption returns the chemicals consumed by producing the given
// gallons of deicer and solvent.
func Consumption(deicer, solvent float64) Inventory {
	return Inventory{
		ResourceC: Round4(deicer * DeicerC),
		ResourceN: Round4(deicer*DeicerN + solvent*SolventN),
		ResourceD: Round4(deicer*DeicerD + solvent*SolventD),
		ResourceQ: Round4(solvent * SolventQ),
	}
}
