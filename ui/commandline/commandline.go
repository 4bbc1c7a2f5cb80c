// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for loops of steps,
// and pretty-printing of graphs.
package commandline

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffgraph/graph"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

// VariablesTable renders a table with the variables of the graph: their kind, state, shape and the memory
// used by their value, if they have one.
func VariablesTable(g *graph.Graph) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("ID", "Name", "Kind", "State", "Shape", "Memory").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0 || col == 5:
				return rightAlignedStyle
			}
			return normalStyle
		})
	var total uint64
	for _, id := range g.Variables() {
		info, err := g.Variable(id)
		if err != nil {
			continue
		}
		memory := "-"
		if value := g.Value(id); value != nil {
			total += uint64(value.Memory())
			memory = humanize.Bytes(uint64(value.Memory()))
			value.Finalize()
		}
		table.Row(strconv.Itoa(int(id)), info.Name, info.Kind.String(), info.State.String(), info.Shape.String(), memory)
	}
	return fmt.Sprintf("%s\n%d variables, %d operations, %s in values\n", table.String(),
		g.NumVariables(), len(g.Operations()), humanize.Bytes(total))
}
