package main

import (
	"fmt"
	"strings"

	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func createPanel(title, content string) string {
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content))
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Copy().Foreground(fgColor)
		})
}

func renderAlive(resp *protocol.AliveResponse) string {
	if resp == nil || !resp.Alive {
		return createPanel("BOOKKEEPER", dangerValueStyle.Render("🔴 UNREACHABLE"))
	}

	lines := []string{
		labelStyle.Render("Status:") + " " + accentValueStyle.Render("🟢 ALIVE"),
		labelStyle.Render("Role:") + " " + valueStyle.Render(resp.Role),
		labelStyle.Render("Hostname:") + " " + valueStyle.Render(resp.Hostname),
	}
	return createPanel("BOOKKEEPER", strings.Join(lines, "\n"))
}

func renderNodes(nodes []types.ClusterNode) string {
	if len(nodes) == 0 {
		return mutedStyle.Render("no nodes")
	}

	t := newTable().Headers("#", "ADDRESS", "STATE")
	active := 0
	for i, n := range nodes {
		state := lipgloss.NewStyle().Foreground(accentColor).Render("🟢 " + n.State.String())
		if n.IsActive() {
			active++
		} else {
			state = lipgloss.NewStyle().Foreground(dangerColor).Render("🔴 " + n.State.String())
		}
		t.Row(fmt.Sprint(i), n.Address, state)
	}

	summary := mutedStyle.Render(fmt.Sprintf("%d of %d active", active, len(nodes)))
	return createPanel("CLUSTER NODES", lipgloss.JoinVertical(lipgloss.Left, t.Render(), summary))
}

func renderBlocks(path string, startBlock int64, blocks []protocol.BlockLocation) string {
	t := newTable().Headers("BLOCK", "LOCATION", "REMOTE")
	counts := make(map[types.Location]int)
	for i, b := range blocks {
		counts[b.Location]++
		t.Row(fmt.Sprint(startBlock+int64(i)), lipgloss.NewStyle().Foreground(locationColor(b.Location)).Render(b.Location.String()), b.Remote)
	}

	summary := mutedStyle.Render(fmt.Sprintf("%d cached, %d local, %d remote",
		counts[types.LocationCached], counts[types.LocationLocal], counts[types.LocationRemote]))
	return createPanel(path, lipgloss.JoinVertical(lipgloss.Left, t.Render(), summary))
}

func locationColor(l types.Location) lipgloss.Color {
	switch l {
	case types.LocationCached:
		return accentColor
	case types.LocationRemote:
		return warningColor
	default:
		return secondaryColor
	}
}
