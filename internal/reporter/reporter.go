package reporter

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Snapshot 是 snap 命令需要展示的账户状态
type Snapshot struct {
	Symbol   string
	At       time.Time
	Balance  *exchange.Balance // 获取失败时为 nil
	Risk     models.RiskState
	Position *models.Position
	Orders   []*models.LadderOrder
	MarkPx   float64
}

// UnrealizedPnL 按标记价格计算未实现盈亏
func (s Snapshot) UnrealizedPnL() float64 {
	if s.Position == nil || s.MarkPx <= 0 {
		return 0
	}
	diff := s.MarkPx - s.Position.EntryPrice
	if s.Position.Side == models.Short {
		diff = -diff
	}
	return diff * s.Position.Size
}

// RenderSnapshot 渲染账户、风控、持仓和挂单表格
func RenderSnapshot(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s snapshot %s\n", s.Symbol, s.At.UTC().Format("2006-01-02 15:04 MST"))

	acct := table.NewWriter()
	acct.SetStyle(table.StyleLight)
	acct.AppendHeader(table.Row{"Account", "Value"})
	if s.Balance != nil {
		acct.AppendRow(table.Row{"Equity (" + s.Balance.Asset + ")", fmt.Sprintf("%.2f", s.Balance.Equity)})
		acct.AppendRow(table.Row{"Available", fmt.Sprintf("%.2f", s.Balance.Available)})
	} else {
		acct.AppendRow(table.Row{"Equity", "unavailable"})
	}
	acct.AppendRow(table.Row{"Daily realized PnL", fmt.Sprintf("%.2f", s.Risk.DailyRealizedPnL)})
	acct.AppendRow(table.Row{"Daily loss limit", fmt.Sprintf("%.2f", s.Risk.DailyLossLimit)})
	halt := "no"
	if s.Risk.HaltFlag {
		halt = "YES: " + s.Risk.HaltReason
	}
	acct.AppendRow(table.Row{"Halted", halt})
	b.WriteString(acct.Render())
	b.WriteString("\n")

	if s.Position != nil {
		pos := table.NewWriter()
		pos.SetStyle(table.StyleLight)
		pos.AppendHeader(table.Row{"Side", "Size", "Entry", "Mark", "uPnL"})
		pos.AppendRow(table.Row{
			s.Position.Side,
			fmt.Sprintf("%.6f", s.Position.Size),
			fmt.Sprintf("%.2f", s.Position.EntryPrice),
			fmt.Sprintf("%.2f", s.MarkPx),
			fmt.Sprintf("%.2f", s.UnrealizedPnL()),
		})
		b.WriteString(pos.Render())
	} else {
		b.WriteString("No open position")
	}
	b.WriteString("\n")

	if len(s.Orders) == 0 {
		b.WriteString("No live ladder orders")
		return b.String()
	}
	orders := table.NewWriter()
	orders.SetStyle(table.StyleLight)
	orders.AppendHeader(table.Row{"Lvl", "Side", "Price", "Size", "State", "Timeout"})
	orders.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	for _, o := range s.Orders {
		timeout := "-"
		if !o.TimeoutAt.IsZero() {
			timeout = o.TimeoutAt.UTC().Format("01-02 15:04")
		}
		state := string(o.State)
		if o.Irreconcilable {
			state += " (!)"
		}
		orders.AppendRow(table.Row{o.Level, o.Side, fmt.Sprintf("%.2f", o.Price), fmt.Sprintf("%.6f", o.Size), state, timeout})
	}
	b.WriteString(orders.Render())
	return b.String()
}

// FormatCycle 生成一轮周期的简短摘要，用于通知
func FormatCycle(s models.CycleSummary) string {
	var b strings.Builder
	switch {
	case s.Skipped:
		fmt.Fprintf(&b, "⏭ cycle %s skipped: %s", shortID(s.CycleID), s.Reason)
		return b.String()
	case s.DataFailure:
		fmt.Fprintf(&b, "⚠️ cycle %s: market data unavailable, no new orders", shortID(s.CycleID))
	default:
		fmt.Fprintf(&b, "✅ cycle %s %s: %s", shortID(s.CycleID), s.Symbol, s.Action)
		if s.Reason != "" {
			fmt.Fprintf(&b, " (%s)", s.Reason)
		}
	}
	if s.Signal != nil {
		fmt.Fprintf(&b, "\nsignal %s p=%.3f", s.Signal.Side, s.Signal.Score)
	}
	fmt.Fprintf(&b, "\nplaced %d, rejected %d, cancelled %d, filled %d", s.Placed, s.Rejected, s.Cancelled, s.Filled)
	if s.Halted {
		b.WriteString("\n⛔ trading halted")
	}
	for _, e := range s.Errors {
		b.WriteString("\n- " + e)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
