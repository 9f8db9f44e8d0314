package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"cryptofolio/services/portfolio"
)

const logo = `
   ___ _____   _____ _____ ___  ___ ___  _    ___ ___
  / __| _ \ \ / / _ \_   _/ _ \| __/ _ \| |  |_ _/ _ \
 | (__|   /\ V /|  _/ | || (_) | _| (_) | |__ | | (_) |
  \___|_|_\ |_| |_|   |_| \___/|_| \___/|____|___\___/
`

var accent = lipgloss.Color("#F7931A")

// Styles
var (
	logoStyle = lipgloss.NewStyle().
			Foreground(accent).
			Bold(true)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(accent).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accent).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(1, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			MarginTop(1)

	statusOkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00"))

	statusWarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFF00"))

	statusErrorStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FF0000"))

	gainStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	lossStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)
)

func (m model) View() string {
	if !m.ready {
		return "\n  Loading cryptofolio..."
	}

	var b strings.Builder

	b.WriteString(logoStyle.Render(logo))

	dateLine := titleStyle.Render(fmt.Sprintf(" %s ", time.Now().Format("Monday, January 2, 2006 - 3:04 PM")))
	b.WriteString(dateLine + "\n")

	b.WriteString(m.renderTabs() + "\n")

	switch m.activeTab {
	case tabMarkets:
		b.WriteString(m.renderMarketsView())
	case tabPortfolio:
		b.WriteString(m.renderPortfolioView())
	case tabHistory:
		b.WriteString(m.renderHistoryView())
	}

	if m.pending != nil {
		prompt := fmt.Sprintf("%s quantity: %s", m.pending.label, m.input.View())
		b.WriteString("\n" + boxStyle.Render(prompt))
	}

	b.WriteString(m.renderStatusBar())

	help := "Tab: Switch views • +: Buy • -: Sell • r: Refresh • q: Quit"
	if m.pending != nil {
		help = "Enter: Confirm • Esc: Cancel"
	}
	b.WriteString("\n" + helpStyle.Render(help))

	return b.String()
}

func (m model) renderTabs() string {
	tabs := []string{"Markets", "Portfolio", "History"}
	var rendered []string

	for i, tab := range tabs {
		style := lipgloss.NewStyle().Padding(0, 2)
		if i == m.activeTab {
			style = style.
				Background(accent).
				Foreground(lipgloss.Color("#FAFAFA")).
				Bold(true)
		} else {
			style = style.
				Foreground(lipgloss.Color("#626262"))
		}
		rendered = append(rendered, style.Render(tab))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m model) renderMarketsView() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Top Instruments by Market Cap") + "\n\n")

	snap, ok := m.cache.Latest()
	if !ok {
		msg := "Fetching market data..."
		if m.err != nil {
			msg = "No market data. Press r to retry."
		}
		b.WriteString(boxStyle.Render(msg) + "\n")
		return b.String()
	}

	b.WriteString(m.marketTable.View() + "\n")

	if gainer, loser, ok := snap.Movers(); ok {
		b.WriteString(fmt.Sprintf("\nTop gainer: %s %s   Top loser: %s %s",
			strings.ToUpper(gainer.Symbol), gainStyle.Render(portfolio.FormatPercent(gainer.Change24h)),
			strings.ToUpper(loser.Symbol), lossStyle.Render(portfolio.FormatPercent(loser.Change24h)),
		))
	}

	return b.String()
}

func (m model) renderPortfolioView() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Simulated Portfolio") + "\n\n")

	s := m.summary
	if len(s.Positions) == 0 {
		b.WriteString(boxStyle.Render("No holdings. Select an instrument on the Markets tab and press + to buy.") + "\n")
	} else {
		b.WriteString(m.holdingsTable.View() + "\n")
	}

	pl := s.ProfitLoss()
	plStyle := gainStyle
	if pl.IsNegative() {
		plStyle = lossStyle
	}

	lines := fmt.Sprintf(
		"Starting funds: %s\n"+
			"Funds:          %s\n"+
			"Holdings value: %s\n"+
			"Net worth:      %s\n"+
			"Profit / loss:  %s",
		portfolio.FormatAmount(s.StartingFunds, m.currency),
		portfolio.FormatAmount(s.Funds, m.currency),
		portfolio.FormatAmount(s.Valuation.Total, m.currency),
		portfolio.FormatAmount(s.NetWorth(), m.currency),
		plStyle.Render(portfolio.FormatAmount(pl, m.currency)),
	)
	if len(s.Valuation.Unpriced) > 0 {
		lines += "\n" + statusWarnStyle.Render("Unpriced: "+strings.Join(s.Valuation.Unpriced, ", "))
	}
	b.WriteString("\n" + boxStyle.Render(lines))

	return b.String()
}

func (m model) renderHistoryView() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("Transactions") + "\n\n")

	if m.summary.Transactions == 0 {
		b.WriteString(boxStyle.Render("No transactions yet.") + "\n")
		return b.String()
	}
	b.WriteString(m.historyTable.View() + "\n")

	return b.String()
}

func (m model) renderStatusBar() string {
	var status string
	switch {
	case m.err != nil:
		status = statusErrorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	case m.status != "":
		status = statusWarnStyle.Render(m.status)
	default:
		status = statusOkStyle.Render("Connected")
	}
	if !m.lastRefresh.IsZero() {
		status += helpStyle.Render(fmt.Sprintf(" • Last refresh: %s", m.lastRefresh.Local().Format("15:04:05")))
	}
	return "\n" + status
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
