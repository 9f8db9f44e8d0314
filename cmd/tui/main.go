// Package main provides the terminal user interface for cryptofolio.
// Built with Bubble Tea and Lip Gloss: browse the market, buy and sell
// against the latest snapshot, and watch the simulated portfolio.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/shopspring/decimal"

	"cryptofolio/pkg/config"
	"cryptofolio/services/market"
	"cryptofolio/services/portfolio"
)

const refreshInterval = time.Minute

const (
	tabMarkets = iota
	tabPortfolio
	tabHistory
	tabCount
)

// order is the buy or sell being entered, if any.
type order struct {
	kind  portfolio.Kind
	id    string
	label string
}

type model struct {
	client *market.Client
	limit  int

	// Owned by the Update loop only.
	cache  *market.Cache
	ledger *portfolio.Ledger

	currency      string
	ready         bool
	loading       bool
	width         int
	height        int
	activeTab     int
	summary       portfolio.Summary
	marketTable   table.Model
	holdingsTable table.Model
	historyTable  table.Model
	input         textinput.Model
	pending       *order
	status        string
	lastRefresh   time.Time
	err           error
}

type tickMsg time.Time

type snapshotMsg struct {
	snapshot market.Snapshot
	err      error
}

func main() {
	f, err := tea.LogToFile("cryptofolio-tui.log", "tui")
	if err != nil {
		fmt.Printf("Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	ledger, err := portfolio.NewLedger(cfg.StartingFunds)
	if err != nil {
		fmt.Printf("Error creating ledger: %v\n", err)
		os.Exit(1)
	}

	client := market.NewClient(market.Config{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Currency:    cfg.Currency,
		MinInterval: cfg.RateLimitInterval,
		BaseDelay:   cfg.RateLimitBaseDelay,
		MaxRetries:  cfg.RateLimitMaxRetries,
	})

	p := tea.NewProgram(initialModel(client, ledger, cfg.SnapshotLimit), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running TUI: %v\n", err)
		os.Exit(1)
	}
}

func initialModel(client *market.Client, ledger *portfolio.Ledger, limit int) model {
	marketTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "#", Width: 4},
			{Title: "Symbol", Width: 8},
			{Title: "Name", Width: 18},
			{Title: "Price", Width: 14},
			{Title: "24h", Width: 9},
			{Title: "7d", Width: 9},
			{Title: "Market Cap", Width: 20},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	holdingsTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Instrument", Width: 16},
			{Title: "Quantity", Width: 14},
			{Title: "Price", Width: 14},
			{Title: "Value", Width: 14},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	historyTable := table.New(
		table.WithColumns([]table.Column{
			{Title: "Time", Width: 10},
			{Title: "Kind", Width: 5},
			{Title: "Instrument", Width: 16},
			{Title: "Quantity", Width: 12},
			{Title: "Price", Width: 14},
			{Title: "Cash flow", Width: 14},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(accent).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(accent).
		Bold(false)
	marketTable.SetStyles(s)
	holdingsTable.SetStyles(s)
	historyTable.SetStyles(s)

	input := textinput.New()
	input.Placeholder = "quantity"
	input.CharLimit = 24
	input.Width = 24

	currency := market.DefaultCurrency
	if client != nil {
		currency = client.Currency()
	}

	m := model{
		client:        client,
		limit:         limit,
		cache:         market.NewCache(),
		ledger:        ledger,
		currency:      currency,
		marketTable:   marketTable,
		holdingsTable: holdingsTable,
		historyTable:  historyTable,
		input:         input,
	}
	m.refreshPortfolio()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		fetchSnapshot(m.client, m.limit),
		tickCmd(),
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshot runs off the Update loop; it touches only the client.
func fetchSnapshot(client *market.Client, limit int) tea.Cmd {
	return func() tea.Msg {
		snap, err := client.FetchSnapshot(context.Background(), limit)
		return snapshotMsg{snapshot: snap, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.pending != nil {
			return m.updateOrder(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			return m, nil
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			return m, nil
		case "r":
			return m, m.refresh()
		case "+", "-":
			m.startOrder(msg.String())
			return m, textinput.Blink
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())

	case snapshotMsg:
		m.loading = false
		if msg.err != nil {
			// Keep showing the last good snapshot.
			log.Printf("Refresh failed: %v", msg.err)
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.cache.Update(msg.snapshot)
		m.lastRefresh = msg.snapshot.FetchedAt
		m.marketTable.SetRows(marketRows(msg.snapshot, m.currency))
		m.refreshPortfolio()
		return m, nil
	}

	// Update the active table
	switch m.activeTab {
	case tabMarkets:
		m.marketTable, cmd = m.marketTable.Update(msg)
	case tabPortfolio:
		m.holdingsTable, cmd = m.holdingsTable.Update(msg)
	case tabHistory:
		m.historyTable, cmd = m.historyTable.Update(msg)
	}

	return m, cmd
}

func (m *model) refresh() tea.Cmd {
	if m.loading || m.client == nil {
		return nil
	}
	m.loading = true
	return fetchSnapshot(m.client, m.limit)
}

// startOrder opens the quantity prompt for the selected market row, or the
// selected holding on the portfolio tab.
func (m *model) startOrder(key string) {
	kind := portfolio.Buy
	if key == "-" {
		kind = portfolio.Sell
	}

	var id string
	switch m.activeTab {
	case tabMarkets:
		snap, ok := m.cache.Latest()
		if !ok || len(snap.Rows) == 0 {
			m.status = "No market data yet"
			return
		}
		if i := m.marketTable.Cursor(); i >= 0 && i < len(snap.Rows) {
			id = snap.Rows[i].ID
		}
	case tabPortfolio:
		if i := m.holdingsTable.Cursor(); i >= 0 && i < len(m.summary.Positions) {
			id = m.summary.Positions[i].InstrumentID
		}
	}
	if id == "" {
		m.status = "Select an instrument first"
		return
	}

	m.pending = &order{kind: kind, id: id, label: fmt.Sprintf("%s %s", capitalize(kind.String()), id)}
	m.input.SetValue("")
	m.input.Focus()
	m.status = ""
}

func (m model) updateOrder(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.pending = nil
		m.input.Blur()
		m.status = "Cancelled"
		return m, nil
	case tea.KeyEnter:
		m.status = m.placeOrder(*m.pending, m.input.Value())
		m.pending = nil
		m.input.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// placeOrder executes an order at the cached price and returns a status line.
func (m *model) placeOrder(o order, quantity string) string {
	qty, err := decimal.NewFromString(strings.TrimSpace(quantity))
	if err != nil {
		return fmt.Sprintf("Invalid quantity %q", quantity)
	}

	ctx := context.Background()
	var tx portfolio.Transaction
	if o.kind == portfolio.Buy {
		tx, err = portfolio.NewBuy(ctx, m.cache, o.id, qty)
	} else {
		tx, err = portfolio.NewSell(ctx, m.cache, o.id, qty)
	}
	if err == nil {
		err = m.ledger.Execute(tx)
	}
	if err != nil {
		log.Printf("Order rejected: %v", err)
		return fmt.Sprintf("Rejected: %v", err)
	}

	log.Printf("Executed %s", tx)
	m.refreshPortfolio()
	return fmt.Sprintf("%s %s %s at %s", capitalize(tx.Kind().String()),
		portfolio.FormatQuantity(tx.Quantity()), tx.InstrumentID(),
		portfolio.FormatAmount(tx.ExecutionPrice(), m.currency))
}

// refreshPortfolio values the ledger against the cached snapshot.
func (m *model) refreshPortfolio() {
	summary, err := m.ledger.Summary(context.Background(), m.cache)
	if err != nil {
		m.err = err
		return
	}
	m.summary = summary
	m.holdingsTable.SetRows(holdingRows(summary, m.currency))
	m.historyTable.SetRows(historyRows(m.ledger.History(), m.currency))
}

func marketRows(snap market.Snapshot, currency string) []table.Row {
	rows := make([]table.Row, len(snap.Rows))
	for i, r := range snap.Rows {
		rows[i] = table.Row{
			fmt.Sprintf("%d", r.MarketCapRank),
			strings.ToUpper(r.Symbol),
			truncate(r.Name, 18),
			portfolio.FormatAmount(r.Price, currency),
			portfolio.FormatPercent(r.Change24h),
			portfolio.FormatPercent(r.Change7d),
			portfolio.FormatAmount(r.MarketCap, currency),
		}
	}
	return rows
}

func holdingRows(s portfolio.Summary, currency string) []table.Row {
	rows := make([]table.Row, len(s.Positions))
	for i, p := range s.Positions {
		price, value := "n/a", "n/a"
		if p.Priced {
			price = portfolio.FormatAmount(p.Price, currency)
			value = portfolio.FormatAmount(p.Value, currency)
		}
		rows[i] = table.Row{p.InstrumentID, portfolio.FormatQuantity(p.Quantity), price, value}
	}
	return rows
}

func historyRows(history []portfolio.Transaction, currency string) []table.Row {
	rows := make([]table.Row, len(history))
	// Newest first
	for i, tx := range history {
		rows[len(history)-1-i] = table.Row{
			tx.Timestamp().Local().Format(time.TimeOnly),
			tx.Kind().String(),
			tx.InstrumentID(),
			portfolio.FormatQuantity(tx.Quantity()),
			portfolio.FormatAmount(tx.ExecutionPrice(), currency),
			portfolio.FormatAmount(tx.SignedValue(), currency),
		}
	}
	return rows
}

// truncate shortens s to maxWidth terminal cells.
func truncate(s string, maxWidth int) string {
	return runewidth.Truncate(s, maxWidth, "...")
}
