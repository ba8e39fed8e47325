// Package telegram sends run summaries via the Telegram Bot API.
// It formats a finished forecasting run into a MarkdownV2 message and handles
// delivery with retry logic for reliability.
package telegram

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// maxListed caps the entities listed per section to stay under the message size limit.
const maxListed = 10

// sender is the subset of the bot API the client uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	sleep          func(time.Duration)
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		sleep:          time.Sleep,
	}, nil
}

// SendRunSummary sends the summary of a finished run
func (c *Client) SendRunSummary(result *models.RunResult) error {
	return c.send(formatSummary(result))
}

func (c *Client) send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2" // Use MarkdownV2 for better escaping support

	// Send with retry
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		c.sleep(c.retryDelayBase * time.Duration(i+1))
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatSummary formats a run into a Telegram message
func formatSummary(result *models.RunResult) string {
	var b strings.Builder
	counts := result.Counts()

	b.WriteString("📊 *Forecast Run Summary*\n\n")
	fmt.Fprintf(&b, "🆔 Run: `%s`\n", escapeMarkdownV2(result.RunID()))
	fmt.Fprintf(&b, "📅 Finished: %s\n", escapeMarkdownV2(result.FinishedAt().UTC().Format("2006-01-02 15:04:05")))
	fmt.Fprintf(&b, "⏱ Duration: %s\n\n", escapeMarkdownV2(formatDuration(result.FinishedAt().Sub(result.StartedAt()))))

	fmt.Fprintf(&b, "✅ Validated: *%d*\n", counts[models.StatusValidated])
	fmt.Fprintf(&b, "⚠️ Failed validation: *%d*\n", counts[models.StatusFailedValidation])
	fmt.Fprintf(&b, "❌ Errored: *%d*\n", counts[models.StatusErrored])
	writeBacktest(&b, result.Outcomes())

	var failedValidation, drifted, goals []string
	for _, o := range result.Outcomes() {
		if !o.Validation.Passed {
			failedValidation = append(failedValidation, fmt.Sprintf("%s: %s",
				escapeMarkdownV2(string(o.Key)), escapeMarkdownV2(strings.Join(o.Validation.FailedChecks, ", "))))
		}
		if o.Drift.IsDrift {
			drifted = append(drifted, fmt.Sprintf("%s \\(p\\=%s\\)",
				escapeMarkdownV2(string(o.Key)), escapeMarkdownV2(fmt.Sprintf("%.3g", o.Drift.PValue))))
		}
		if o.Goal != nil {
			emoji := "📈"
			if !o.Goal.Surplus() {
				emoji = "📉"
			}
			goals = append(goals, fmt.Sprintf("%s %s: %s of %s",
				emoji, escapeMarkdownV2(string(o.Key)),
				escapeMarkdownV2(fmt.Sprintf("%+.2f", o.Goal.Gap)),
				escapeMarkdownV2(fmt.Sprintf("%.2f", o.Goal.Goal))))
		}
	}

	var errored []string
	for _, f := range result.Failures() {
		errored = append(errored, fmt.Sprintf("%s at %s", escapeMarkdownV2(string(f.Key)), escapeMarkdownV2(f.Stage)))
	}

	writeSection(&b, "⚠️ *Failed validation*", failedValidation)
	writeSection(&b, "❌ *Errored*", errored)
	writeSection(&b, "🌊 *Drift detected*", drifted)
	writeSection(&b, "🎯 *Goal gap*", goals)

	return b.String()
}

// writeBacktest appends the mean of each holdout metric across entities.
func writeBacktest(b *strings.Builder, outcomes []models.EntityOutcome) {
	sums := make(map[string]float64)
	n := make(map[string]int)
	for _, o := range outcomes {
		if o.Backtest == nil {
			continue
		}
		for name, v := range o.Backtest.Metrics {
			sums[name] += v
			n[name]++
		}
	}
	if len(sums) == 0 {
		return
	}

	names := make([]string, 0, len(sums))
	for name := range sums {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("\n📏 *Backtest*\n")
	for _, name := range names {
		mean := sums[name] / float64(n[name])
		fmt.Fprintf(b, "   • Mean %s: %s over %d entities\n",
			escapeMarkdownV2(strings.ToUpper(name)), escapeMarkdownV2(fmt.Sprintf("%.2f", mean)), n[name])
	}
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	for i, line := range lines {
		if i == maxListed {
			fmt.Fprintf(b, "   \\.\\.\\. and %d more\n", len(lines)-maxListed)
			break
		}
		fmt.Fprintf(b, "   • %s\n", line)
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . !
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
}
