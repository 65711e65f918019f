package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"grid_go/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxMessageLen is Telegram's limit for one text message, in characters.
const maxMessageLen = 4096

// TelegramNotifier sends run reports to a single chat.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramNotifier authorizes the bot token against the Bot API.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return newTelegramNotifier(token, chatID, tgbotapi.APIEndpoint)
}

func newTelegramNotifier(token string, chatID int64, endpoint string) (*TelegramNotifier, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger := slog.Default().With("module", "telegram")
	logger.Info("Telegram bot authorized", slog.String("username", bot.Self.UserName))

	return &TelegramNotifier{api: bot, chatID: chatID, logger: logger}, nil
}

// NotifyReport sends the formatted report, split into as many messages as needed.
func (n *TelegramNotifier) NotifyReport(ctx context.Context, report domain.RunReport) error {
	for _, part := range splitMessage(formatReport(report), maxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := n.api.Send(tgbotapi.NewMessage(n.chatID, part)); err != nil {
			return fmt.Errorf("failed to send telegram message: %w", err)
		}
	}
	n.logger.Debug("Run report sent", slog.String("run_id", report.RunID))
	return nil
}

func formatReport(r domain.RunReport) string {
	var b strings.Builder

	icon := "✅"
	if r.Status == domain.RunStatusFatalError || !r.Clean() {
		icon = "⚠️"
	}
	fmt.Fprintf(&b, "%s Grid run %s finished: %s\n", icon, r.RunID, r.Status)
	fmt.Fprintf(&b, "Symbol: %s\n", r.Symbol)
	if !r.StartedAt.IsZero() && !r.EndedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", r.EndedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}

	s := r.Stats
	b.WriteString("\n")
	fmt.Fprintf(&b, "Completed pairs: %d\n", s.CompletedPairs)
	fmt.Fprintf(&b, "Fills: %d buy / %d sell\n", s.BuyFills, s.SellFills)
	fmt.Fprintf(&b, "Bought: %s for %s\n", s.BoughtQty.String(), s.BoughtNotional.String())
	fmt.Fprintf(&b, "Sold: %s for %s\n", s.SoldQty.String(), s.SoldNotional.String())
	fmt.Fprintf(&b, "Fees: %s\n", s.Fees.String())
	fmt.Fprintf(&b, "Realized spread: %s\n", s.QuoteDelta.String())

	if r.BoundaryExhaustions > 0 || r.InvariantViolations > 0 {
		fmt.Fprintf(&b, "\nBoundary exhaustions: %d\nInvariant violations: %d\n",
			r.BoundaryExhaustions, r.InvariantViolations)
	}

	if len(r.Leaked) > 0 {
		fmt.Fprintf(&b, "\nLeaked orders (%d):\n", len(r.Leaked))
		for _, l := range r.Leaked {
			fmt.Fprintf(&b, "L%d %s %s [%s] %s\n", l.Level, l.Side, l.ClientID, l.Status, l.Reason)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// splitMessage breaks text into chunks of at most limit runes, on line breaks when possible.
func splitMessage(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var (
		parts []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.TrimRight(string(cur), "\n"))
			cur = cur[:0]
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		if len(cur)+len(r) > limit {
			flush()
		}
		// A single line longer than the limit is cut hard.
		for len(r) > limit {
			parts = append(parts, string(r[:limit]))
			r = r[limit:]
		}
		cur = append(cur, r...)
	}
	flush()
	return parts
}
