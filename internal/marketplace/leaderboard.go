package marketplace

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/talgya/cndq/internal/ledger"
)

// LeaderboardRow ranks one agent by funds gained since its ledger was
// seeded. Display names only, never raw agent ids: the board is public.
type LeaderboardRow struct {
	Rank        int             `json:"rank"`
	Name        string          `json:"name"`
	Funds       decimal.Decimal `json:"funds"`
	Gain        decimal.Decimal `json:"gain"`
	FundsPretty string          `json:"fundsPretty"`
	GainPretty  string          `json:"gainPretty"`
}

// Leaderboard materializes every agent and ranks by gain, then by name
// for a stable order.
func Leaderboard(store ledger.Store, mat *ledger.Materializer) ([]LeaderboardRow, error) {
	agents, err := store.Agents()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}

	rows := make([]LeaderboardRow, 0, len(agents))
	for _, id := range agents {
		acct, err := mat.Account(id)
		if err != nil {
			return nil, fmt.Errorf("leaderboard: %w", err)
		}
		funds, _ := acct.Funds.Float64()
		gain, _ := acct.GainSinceStart().Float64()
		rows = append(rows, LeaderboardRow{
			Name:        acct.Name,
			Funds:       acct.Funds,
			Gain:        acct.GainSinceStart(),
			FundsPretty: "$" + humanize.CommafWithDigits(funds, 2),
			GainPretty:  "$" + humanize.CommafWithDigits(gain, 2),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Gain.Equal(rows[j].Gain) {
			return rows[i].Gain.GreaterThan(rows[j].Gain)
		}
		return rows[i].Name < rows[j].Name
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}
