// Package telegram sends backtest reports via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/tokendown/internal/models"
)

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
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
	}, nil
}

// ListenForCommands polls for bot commands in a goroutine until ctx is cancelled.
// providers answers /providers.
func (c *Client) ListenForCommands(ctx context.Context, providers func() []string) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message, providers)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message, providers func() []string) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "providers":
		text = "Providers: " + strings.Join(providers(), ", ")
	default:
		return
	}
	c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)) //nolint:errcheck
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a failed backtest.
func (c *Client) SendError(runErr error) error {
	text := fmt.Sprintf("⚠️ *Backtest failed*\n`%s`", escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendReports sends one message summarising the given reports.
func (c *Client) SendReports(reports []*models.Report) error {
	if len(reports) == 0 {
		return nil
	}
	return c.sendMarkdownV2(formatReports(reports))
}

// formatReports renders reports as a Telegram MarkdownV2 message.
func formatReports(reports []*models.Report) string {
	var b strings.Builder
	b.WriteString("📉 *Token down backtest*\n\n")

	for i, r := range reports {
		fmt.Fprintf(&b, "%d\\. `%s` on %s\n", i+1, escapeMarkdownV2(r.Address), escapeMarkdownV2(r.Provider))
		fmt.Fprintf(&b, "   blocks %s → %s, %d samples\n",
			escapeMarkdownV2(strconv.FormatInt(r.StartBlock, 10)),
			escapeMarkdownV2(strconv.FormatInt(r.EndBlock, 10)),
			r.Samples)
		fmt.Fprintf(&b, "   LI %s, CF %s\n",
			escapeMarkdownV2(fmt.Sprintf("%.2f%%", r.Financials.LiquidationIncentive*100)),
			escapeMarkdownV2(fmt.Sprintf("%.2f%%", r.Financials.CollateralFactor*100)))
		if r.Found {
			fmt.Fprintf(&b, "   token down *%s*\n", escapeMarkdownV2(fmt.Sprintf("%.2f%%", r.TokenDown*100)))
		} else {
			b.WriteString("   no liquidation ever succeeded\n")
		}
		b.WriteString("\n")
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
