package setup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/boringbot/internal/report"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(highlight).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// RenderStatus balances, counters and the purchase list as printed by the status command.
// Times are shown in loc.
func RenderStatus(sum report.Summary, purchases []report.PurchaseView, loc *time.Location) string {
	var b strings.Builder

	lines := []string{
		line("Symbol", sum.Symbol),
		line("Active", strconv.Itoa(sum.Active)),
		line("Sold", strconv.Itoa(sum.Sold)),
		line("Errors", strconv.Itoa(sum.Errors)),
		line("Profit USDT", sum.ProfitUSDTTotal),
		line("Profit asset", sum.ProfitAssetTotal),
		line("Next due", formatTime(sum.NextDueAt, loc)),
		line("Last run", formatTime(sum.LastRunAt, loc)),
		line("Last reconcile", formatTime(sum.LastReconcileAt, loc)),
	}
	for _, bal := range sum.Balances {
		lines = append(lines, line("Balance "+bal.Asset, bal.Amount.String()))
	}
	b.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")

	if len(purchases) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(subtle).Render("no purchases yet"))
		b.WriteString("\n")
		return b.String()
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATUS", "CREATED", "USDT", "BUY PX", "QTY", "TARGET", "GAP %", "PROFIT")
	for _, p := range purchases {
		t.Row(
			strconv.FormatInt(p.ID, 10),
			string(p.Status),
			p.CreatedAt.In(loc).Format("2006-01-02 15:04"),
			p.BuyUSDT.String(),
			nullable(p.BuyPrice),
			nullable(p.BuyQty),
			nullable(p.SellPrice),
			gapPct(p.TargetGap),
			nullable(p.ProfitUSDT),
		)
	}
	b.WriteString(t.String())
	b.WriteString("\n")
	return b.String()
}

// RenderPurchase detail view of one purchase.
func RenderPurchase(p report.PurchaseView, loc *time.Location) string {
	lines := []string{
		line("Purchase", strconv.FormatInt(p.ID, 10)),
		line("Status", string(p.Status)),
		line("Created", p.CreatedAt.In(loc).Format(time.RFC3339)),
		line("Buy USDT", p.BuyUSDT.String()),
		line("Buy order", orDash(p.BuyOrderID)),
		line("Buy price", nullable(p.BuyPrice)),
		line("Buy qty", nullable(p.BuyQty)),
		line("Buy filled", formatTime(p.BuyFilledAt, loc)),
		line("Markup %", p.SellMarkupPct.String()),
		line("Sell order", orDash(p.SellOrderID)),
		line("Sell price", nullable(p.SellPrice)),
		line("Sell qty", nullable(p.SellQty)),
		line("Sell USDT", nullable(p.SellUSDT)),
		line("Sell filled", formatTime(p.SellFilledAt, loc)),
		line("Profit USDT", nullable(p.ProfitUSDT)),
		line("Profit USDC", nullable(p.ProfitUSDC)),
	}
	if g := p.TargetGap; g != nil {
		lines = append(lines,
			line("Last price", g.LastPrice.String()),
			line("To target", fmt.Sprintf("%s (%s%%)", g.Abs.String(), g.Pct.String())),
		)
	}
	return boxStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func line(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-15s", label)) + " " + value
}

func nullable(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.String()
}

func gapPct(g *report.Gap) string {
	if g == nil {
		return "-"
	}
	return g.Pct.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}
