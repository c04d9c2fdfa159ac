// Shadow-price solver for the two-product, four-chemical planning problem.
//
// The LP has two decision variables (gallons of deicer and solvent) and four
// resource constraints, so the optimum always sits on a vertex formed by two
// of the six boundary lines (four chemical bounds plus the two axes). The
// solver enumerates every candidate vertex, keeps the feasible ones, and
// picks the revenue maximum; shadow prices fall out of which constraints
// bind there.
package economy

import (
	"fmt"
	"math"
	"sort"
)

const solveEps = 1e-9

// Plan is a production decision: gallons of each product and the revenue
// they earn.
type Plan struct {
	Deicer  float64 `json:"deicer"`
	Solvent float64 `json:"solvent"`
	Revenue float64 `json:"revenue"`
}

// Quantize floors the mix to two decimals (whole hundredths of a gallon are
// what the plant can actually schedule) and recomputes revenue from the
// floored mix so consumed chemicals and credited funds always agree.
func (p Plan) Quantize() Plan {
	d := math.Floor(p.Deicer*100) / 100
	s := math.Floor(p.Solvent*100) / 100
	return Plan{
		Deicer:  d,
		Solvent: s,
		Revenue: math.Round((d*DeicerProfit+s*SolventProfit)*100) / 100,
	}
}

// ResourceReport describes one chemical's constraint at the optimum.
type ResourceReport struct {
	ShadowPrice float64 `json:"shadowPrice"`
	Slack       float64 `json:"slack"`
	Binding     bool    `json:"binding"`
	// How far the inventory bound can move before the shadow price above
	// stops being valid.
	AllowableIncrease float64 `json:"allowableIncrease"`
	AllowableDecrease float64 `json:"allowableDecrease"`
}

// ShadowPriceSet is the full solver output for one inventory snapshot.
// It is never updated in place: any inventory change supersedes it.
type ShadowPriceSet struct {
	Inventory Inventory                   `json:"inventory"`
	Mix       Plan                        `json:"mix"`
	MaxProfit float64                     `json:"maxProfit"`
	Reports   map[Resource]ResourceReport `json:"reports"`
}

// Price returns the marginal value of one more gallon of r.
func (s ShadowPriceSet) Price(r Resource) float64 {
	return s.Reports[r].ShadowPrice
}

// constraint rows: coefficient on deicer, coefficient on solvent.
var rows = map[Resource][2]float64{
	ResourceC: {DeicerC, SolventC},
	ResourceN: {DeicerN, SolventN},
	ResourceD: {DeicerD, SolventD},
	ResourceQ: {DeicerQ, SolventQ},
}

// line is a boundary a·x = b. Axis lines carry res == "".
type line struct {
	a   [2]float64
	b   float64
	res Resource
}

// Solve finds the profit-maximizing production mix for inv and the shadow
// price of each chemical at that optimum. It is a pure function: identical
// inventories always produce identical output, and every valid input yields
// a finite, feasible result.
func Solve(inv Inventory) (ShadowPriceSet, error) {
	if err := inv.Validate(); err != nil {
		return ShadowPriceSet{}, fmt.Errorf("solve: %w", err)
	}

	lines := make([]line, 0, 6)
	for _, r := range Resources {
		lines = append(lines, line{a: rows[r], b: inv[r], res: r})
	}
	lines = append(lines,
		line{a: [2]float64{1, 0}, b: 0}, // deicer axis
		line{a: [2]float64{0, 1}, b: 0}, // solvent axis
	)

	best := [2]float64{0, 0}
	bestProfit := 0.0
	for i := 0; i < len(lines); i++ {
		for j := i + 1; j < len(lines); j++ {
			x, ok := intersect(lines[i], lines[j])
			if !ok || !feasible(x, inv) {
				continue
			}
			profit := DeicerProfit*x[0] + SolventProfit*x[1]
			if profit > bestProfit+solveEps {
				bestProfit, best = profit, x
			} else if math.Abs(profit-bestProfit) <= solveEps && lexLess(x, best) {
				best = x // deterministic tie-break
			}
		}
	}

	duals := dualPrices(best, inv)
	reports := make(map[Resource]ResourceReport, len(Resources))
	for _, r := range Resources {
		slack := inv[r] - rows[r][0]*best[0] - rows[r][1]*best[1]
		if slack < 0 {
			slack = 0
		}
		lo, hi := rhsRange(r, best, inv, duals)
		reports[r] = ResourceReport{
			ShadowPrice:       round2(duals[r]),
			Slack:             round2(slack),
			Binding:           slack < 0.01,
			AllowableIncrease: hi,
			AllowableDecrease: lo,
		}
	}

	return ShadowPriceSet{
		Inventory: inv.Clone(),
		Mix:       Plan{Deicer: best[0], Solvent: best[1], Revenue: round2(bestProfit)},
		MaxProfit: round2(bestProfit),
		Reports:   reports,
	}, nil
}

func intersect(l1, l2 line) ([2]float64, bool) {
	det := l1.a[0]*l2.a[1] - l1.a[1]*l2.a[0]
	if math.Abs(det) < solveEps {
		return [2]float64{}, false
	}
	return [2]float64{
		(l1.b*l2.a[1] - l2.b*l1.a[1]) / det,
		(l1.a[0]*l2.b - l2.a[0]*l1.b) / det,
	}, true
}

func feasible(x [2]float64, inv Inventory) bool {
	if x[0] < -solveEps || x[1] < -solveEps {
		return false
	}
	for _, r := range Resources {
		used := rows[r][0]*x[0] + rows[r][1]*x[1]
		if used > inv[r]+solveEps*math.Max(1, inv[r]) {
			return false
		}
	}
	return true
}

func lexLess(a, b [2]float64) bool {
	if math.Abs(a[0]-b[0]) > solveEps {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// dualPrices recovers the shadow prices by complementary slackness: the
// duals are supported on constraints that bind at x, and profit coefficients
// of any produced product must be exactly covered. Subsets are tried in
// canonical resource order so the result is deterministic; a fully
// degenerate optimum (nothing produced, everything binding) reports zeros,
// matching the right-hand derivative of the objective.
func dualPrices(x [2]float64, inv Inventory) map[Resource]float64 {
	duals := map[Resource]float64{ResourceC: 0, ResourceN: 0, ResourceD: 0, ResourceQ: 0}

	var binding []Resource
	for _, r := range Resources {
		slack := inv[r] - rows[r][0]*x[0] - rows[r][1]*x[1]
		if slack <= bindEps(inv[r]) {
			binding = append(binding, r)
		}
	}
	if len(binding) == 0 {
		return duals
	}

	dPos := x[0] > solveEps
	sPos := x[1] > solveEps

	if dPos && sPos {
		// Two produced products need two equations: find a binding pair
		// whose duals cover both profit coefficients with y >= 0.
		for i := 0; i < len(binding); i++ {
			for j := i + 1; j < len(binding); j++ {
				ri, rj := binding[i], binding[j]
				yi, yj, ok := solve2(rows[ri], rows[rj], DeicerProfit, SolventProfit)
				if ok && yi >= -solveEps && yj >= -solveEps {
					duals[ri] = math.Max(0, yi)
					duals[rj] = math.Max(0, yj)
					return duals
				}
			}
		}
		return duals
	}

	if dPos || sPos {
		col, profit, otherCol, otherProfit := 0, DeicerProfit, 1, SolventProfit
		if sPos {
			col, profit, otherCol, otherProfit = 1, SolventProfit, 0, DeicerProfit
		}
		// Generic case: a single binding constraint carries the whole dual.
		for _, r := range binding {
			if rows[r][col] <= solveEps {
				continue
			}
			y := profit / rows[r][col]
			if y*rows[r][otherCol] >= otherProfit-solveEps {
				duals[r] = y
				return duals
			}
		}
		// Degenerate vertex: split the dual across a binding pair, holding
		// the idle product's reduced cost at zero.
		for i := 0; i < len(binding); i++ {
			for j := i + 1; j < len(binding); j++ {
				ri, rj := binding[i], binding[j]
				yi, yj, ok := solve2(rows[ri], rows[rj], DeicerProfit, SolventProfit)
				if ok && yi >= -solveEps && yj >= -solveEps {
					duals[ri] = math.Max(0, yi)
					duals[rj] = math.Max(0, yj)
					return duals
				}
			}
		}
	}
	return duals
}

// solve2 solves y1*a1 + y2*a2 = (c1, c2) for y1, y2, where a1 and a2 are
// constraint rows.
func solve2(a1, a2 [2]float64, c1, c2 float64) (float64, float64, bool) {
	det := a1[0]*a2[1] - a1[1]*a2[0]
	if math.Abs(det) < solveEps {
		return 0, 0, false
	}
	y1 := (c1*a2[1] - c2*a2[0]) / det
	y2 := (a1[0]*c2 - a1[1]*c1) / det
	return y1, y2, true
}

// rhsRange computes how far chemical r's inventory bound can move while its
// reported shadow price stays valid. A non-binding bound can grow without
// limit (reported as the 9999 sentinel) and shrink by its slack; a binding
// bound moves the optimal vertex along its partner constraint until some
// other bound trips.
func rhsRange(r Resource, x [2]float64, inv Inventory, duals map[Resource]float64) (decrease, increase float64) {
	slack := inv[r] - rows[r][0]*x[0] - rows[r][1]*x[1]
	if slack > bindEps(inv[r]) {
		return round2(slack), 9999
	}
	if duals[r] <= solveEps {
		// Binding but worthless (degenerate): any relaxation keeps it so.
		return round2(inv[r]), 9999
	}

	// Find the partner line: the other constraint defining the vertex. The
	// vertex moves by w = B^-1 e_r per relaxed gallon.
	partners := partnerLines(r, x, inv)
	minDelta := math.Inf(-1)
	maxDelta := math.Inf(1)
	for _, p := range partners {
		w, ok := vertexShift(rows[r], p.a)
		if !ok {
			continue
		}
		lo, hi := shiftBounds(r, p, x, w, inv)
		minDelta = math.Max(minDelta, lo)
		maxDelta = math.Min(maxDelta, hi)
	}

	decrease = round2(math.Abs(minDelta))
	if math.IsInf(minDelta, -1) {
		decrease = round2(inv[r])
	}
	increase = round2(maxDelta)
	if math.IsInf(maxDelta, 1) || maxDelta > 9999 {
		increase = 9999
	}
	return decrease, increase
}

func partnerLines(r Resource, x [2]float64, inv Inventory) []line {
	var out []line
	for _, o := range Resources {
		if o == r {
			continue
		}
		slack := inv[o] - rows[o][0]*x[0] - rows[o][1]*x[1]
		if slack <= bindEps(inv[o]) {
			out = append(out, line{a: rows[o], b: inv[o], res: o})
		}
	}
	if x[0] <= solveEps {
		out = append(out, line{a: [2]float64{1, 0}, b: 0})
	}
	if x[1] <= solveEps {
		out = append(out, line{a: [2]float64{0, 1}, b: 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].res < out[j].res })
	return out
}

// vertexShift solves [aR; aP] w = e1 for w: the movement of the vertex per
// unit of relaxation of the R bound while P stays binding.
func vertexShift(aR, aP [2]float64) ([2]float64, bool) {
	det := aR[0]*aP[1] - aR[1]*aP[0]
	if math.Abs(det) < solveEps {
		return [2]float64{}, false
	}
	return [2]float64{aP[1] / det, -aP[0] / det}, true
}

// shiftBounds bounds delta so that x + delta*w stays feasible for every
// constraint other than r and the partner p.
func shiftBounds(r Resource, p line, x, w [2]float64, inv Inventory) (lo, hi float64) {
	lo, hi = math.Inf(-1), math.Inf(1)
	apply := func(a [2]float64, b float64) {
		rate := a[0]*w[0] + a[1]*w[1] // constraint usage change per delta
		room := b - a[0]*x[0] - a[1]*x[1]
		switch {
		case rate > solveEps:
			hi = math.Min(hi, room/rate)
		case rate < -solveEps:
			lo = math.Max(lo, room/rate)
		}
	}
	for _, o := range Resources {
		if o == r || o == p.res {
			continue
		}
		apply(rows[o], inv[o])
	}
	// Non-negativity of the mix itself.
	if !(p.res == "" && p.a[0] == 1) {
		apply([2]float64{-1, 0}, 0)
	}
	if !(p.res == "" && p.a[1] == 1) {
		apply([2]float64{0, -1}, 0)
	}
	return lo, hi
}

func bindEps(b float64) float64 {
	return solveEps * math.Max(1, b) * 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
