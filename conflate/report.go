package conflate

import (
	"fmt"
	"math"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// LeaderboardTable renders the top labelers as a text table. A missing kappa is
// shown as "n/a".
func LeaderboardTable(stats []LabelerStats) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "User", "Labels", "Kappa"})
	for i, s := range stats {
		kappa := "n/a"
		if !math.IsNaN(s.Kappa) {
			kappa = fmt.Sprintf("%.3f", s.Kappa)
		}
		tw.AppendRow(table.Row{strconv.Itoa(i + 1), s.Username, strconv.Itoa(s.Count), kappa})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

// ProgressTable summarizes the state of every pair policy for one labeler.
func ProgressTable(s *State, user string) (string, error) {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Policy", "Pairs", "Neighborhoods"})
	for _, mode := range []Mode{ModeAll, ModeUnlabeled, ModeCrossValidate} {
		pairs, err := s.NextPairs(mode, user)
		if err != nil {
			return "", err
		}
		cells, err := s.NextNeighborhoods(mode, user)
		if err != nil {
			return "", err
		}
		tw.AppendRow(table.Row{string(mode), strconv.Itoa(len(pairs)), strconv.Itoa(len(cells))})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render(), nil
}
