// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/optoracle/internal/logger"
	"github.com/rewired-gh/optoracle/internal/models"
)

// bot is the subset of the Bot API the client uses.
type bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Client handles Telegram notifications and answers bot commands.
type Client struct {
	bot            bot
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration

	mu     sync.RWMutex
	status func() string
	top    func(k int) ([]models.AnomalyRecord, error)
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(api, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(b bot, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            b,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// SetStatus installs the provider behind the /status command.
func (c *Client) SetStatus(fn func() string) {
	c.mu.Lock()
	c.status = fn
	c.mu.Unlock()
}

// SetTop installs the source behind the /top command.
func (c *Client) SetTop(fn func(k int) ([]models.AnomalyRecord, error)) {
	c.mu.Lock()
	c.top = fn
	c.mu.Unlock()
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
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
				msg := update.Message
				if msg == nil || !msg.IsCommand() {
					continue
				}
				if text, ok := c.reply(msg.Command()); ok {
					if _, err := c.bot.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
						logger.Warn("Failed to answer /%s: %v", msg.Command(), err)
					}
				}
			}
		}
	}()
}

const topCommandLimit = 10

// reply returns the plain-text answer to a bot command.
func (c *Client) reply(command string) (string, bool) {
	switch command {
	case "ping":
		return "Pong", true
	case "status":
		c.mu.RLock()
		fn := c.status
		c.mu.RUnlock()
		if fn == nil {
			return "No status available", true
		}
		return fn(), true
	case "top":
		c.mu.RLock()
		fn := c.top
		c.mu.RUnlock()
		if fn == nil {
			return "No alert history available", true
		}
		records, err := fn(topCommandLimit)
		if err != nil {
			return "Failed to load alerts: " + err.Error(), true
		}
		return formatTop(records), true
	case "help":
		return "/ping - liveness check\n/status - live weights and last cycle\n/top - highest-scoring stored anomalies", true
	}
	return "", false
}

// sendMarkdownV2 sends a MarkdownV2 message, waiting retryDelayBase*attempt between attempts.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Debug("Telegram send attempt %d/%d failed: %v", attempt, c.maxRetries, err)
		if attempt < c.maxRetries {
			time.Sleep(c.retryDelayBase * time.Duration(attempt))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a monitoring error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Monitoring error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return c.sendMarkdownV2(text)
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	text := fmt.Sprintf("✅ *Monitoring recovered* after %d consecutive failure\\(s\\)", failureCount)
	return c.sendMarkdownV2(text)
}

// Send sends a notification with the cohort alerts that passed the cooldown gate.
func (c *Client) Send(alerts []models.CohortAlert) error {
	return c.sendMarkdownV2(formatAlerts(alerts))
}

// SendOptimization reports the outcome of a threshold calibration run.
func (c *Client) SendOptimization(run *models.OptimizationRun) error {
	return c.sendMarkdownV2(formatOptimization(run))
}

// formatAlerts formats cohort alerts into a Telegram MarkdownV2 message.
func formatAlerts(alerts []models.CohortAlert) string {
	var b strings.Builder
	b.WriteString("🚨 *Unusual Option Activity*\n\n")

	if len(alerts) > 0 {
		dateStr := escapeMarkdownV2(alerts[0].DetectedAt.UTC().Format("2006-01-02 15:04:05 MST"))
		b.WriteString(fmt.Sprintf("📅 Detected: %s\n\n", dateStr))
	}

	for i, a := range alerts {
		title := a.CohortKey
		if a.Currency != "" {
			title = a.Currency + " " + a.CohortKey
		}
		details := fmt.Sprintf("best %.2f", a.BestScore)
		if a.ReferencePrice > 0 {
			details = fmt.Sprintf("index %.2f, best %.2f", a.ReferencePrice, a.BestScore)
		}
		b.WriteString(fmt.Sprintf("%d\\. *Expiry %s* \\(%s\\)\n",
			i+1, escapeMarkdownV2(title), escapeMarkdownV2(details)))

		for _, r := range a.Records {
			kindEmoji := "💲"
			if r.Kind == models.VolumeAnomaly {
				kindEmoji = "📊"
			}
			line := fmt.Sprintf("%s score %.2f | pz %.2f vz %.2f oiz %.2f | %.1fh left",
				r.Symbol, r.Score, r.PriceZ, r.VolumeZ, r.OIZ, r.HoursToExpiry)
			b.WriteString(fmt.Sprintf("   %s `%s`\n", kindEmoji, escapeMarkdownV2(line)))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// formatOptimization formats an optimization run into a Telegram MarkdownV2 message.
func formatOptimization(run *models.OptimizationRun) string {
	w := run.Weights
	lines := []string{
		"🧮 *Threshold Calibration*",
		"",
		escapeMarkdownV2(fmt.Sprintf("Weights: price=%.2f volume=%.2f oi=%.2f", w.PriceWeight, w.VolumeWeight, w.OIWeight)),
		escapeMarkdownV2(fmt.Sprintf("Success rate: %.1f%% (%d/%d alerts, %d false positives)",
			run.SuccessRate, run.Successful, run.TotalAlerts, run.FalsePositives)),
		escapeMarkdownV2(fmt.Sprintf("Samples: %d, grid size: %d", run.Samples, run.GridSize)),
		"",
		fmt.Sprintf("*%s*", escapeMarkdownV2(run.Recommendation)),
	}
	return strings.Join(lines, "\n")
}

// formatTop formats stored anomaly records as plain text.
func formatTop(records []models.AnomalyRecord) string {
	if len(records) == 0 {
		return "No anomalies recorded yet"
	}
	var b strings.Builder
	b.WriteString("Top anomalies")
	for i, r := range records {
		b.WriteString(fmt.Sprintf("\n%d. %s score %.2f (%s, %.1fh left)", i+1, r.Symbol, r.Score, r.Kind, r.HoursToExpiry))
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
