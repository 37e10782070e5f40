package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/selivandex/decision-engine/internal/adapters/config"
	"github.com/selivandex/decision-engine/internal/risk"
	"github.com/selivandex/decision-engine/pkg/logger"
	"github.com/selivandex/decision-engine/pkg/models"
)

// Sender delivers a message. Satisfied by *tgbotapi.BotAPI.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends operator alerts to a single Telegram chat
type Notifier struct {
	api       Sender
	cfg       config.TelegramConfig
	templates *TemplateManager
}

// NewNotifier connects to the Bot API and creates new notifier
func NewNotifier(cfg config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}
	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
		zap.Int64("chat_id", cfg.ChatID),
	)

	return NewNotifierWithSender(bot, cfg)
}

// NewNotifierWithSender creates new notifier over an existing sender
func NewNotifierWithSender(api Sender, cfg config.TelegramConfig) (*Notifier, error) {
	templates, err := NewTemplateManager()
	if err != nil {
		return nil, err
	}
	return &Notifier{api: api, cfg: cfg, templates: templates}, nil
}

type decisionView struct {
	Action            string
	Symbol            string
	Winner            string
	HasRecommendation bool
	Allocation        float64
	Leverage          float64
	Confidence        float64
	StopLoss          string
	TakeProfit        string
	CircuitLevel      string
	Warnings          []string
	Reasoning         string
}

// DecisionEmitted announces a non-HOLD decision
func (n *Notifier) DecisionEmitted(_ context.Context, d *models.FinalDecision) error {
	if !n.cfg.AlertOnDecisions {
		return nil
	}

	view := decisionView{
		Action:       string(d.Action),
		Symbol:       d.Symbol(),
		Winner:       d.Winner,
		CircuitLevel: d.CircuitLevel,
		Warnings:     d.Warnings,
		Reasoning:    d.Reasoning,
	}
	if rec := d.Recommendation; rec != nil {
		view.HasRecommendation = true
		view.Allocation = rec.Allocation
		view.Leverage = rec.Leverage
		view.Confidence = rec.Confidence
		view.StopLoss = formatPrice(rec.StopLoss)
		view.TakeProfit = formatPrice(rec.TakeProfit)
	}

	msg, err := n.templates.ExecuteTemplate("decision.tmpl", view)
	if err != nil {
		return err
	}
	return n.send(msg)
}

// GateDenied reports a trade refused by the anti-churn gate or hysteresis
func (n *Notifier) GateDenied(_ context.Context, symbol, reason string) error {
	if !n.cfg.AlertOnDenials {
		return nil
	}

	msg, err := n.templates.ExecuteTemplate("gate_denied.tmpl", map[string]interface{}{
		"Symbol": symbol,
		"Reason": reason,
	})
	if err != nil {
		return err
	}
	return n.send(msg)
}

// CircuitChanged reports a circuit breaker level transition
func (n *Notifier) CircuitChanged(_ context.Context, prev, next risk.CircuitStatus, leverageCap float64) error {
	msg, err := n.templates.ExecuteTemplate("circuit_breaker.tmpl", map[string]interface{}{
		"Previous":    prev.Level.String(),
		"Level":       next.Level.String(),
		"Reason":      next.Reason,
		"CapLeverage": next.Level > risk.LevelNone,
		"Cap":         strconv.FormatFloat(leverageCap, 'f', -1, 64),
	})
	if err != nil {
		return err
	}
	return n.send(msg)
}

func (n *Notifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.cfg.ChatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", n.cfg.ChatID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}
