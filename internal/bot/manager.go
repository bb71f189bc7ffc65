package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/repository"
)

// ErrUnknownPartner is returned when no running bot belongs to a partner.
var ErrUnknownPartner = errors.New("no bot for partner")

// Enqueuer accepts inbound messages for processing.
type Enqueuer interface {
	AddMessageJob(ctx context.Context, partnerID uint, msg InboundMessage) (bool, error)
}

type partnerBot struct {
	partner model.Partner
	api     *tgbotapi.BotAPI
}

// Manager runs one Telegram bot per active partner and sends replies through
// the bot the message came from.
type Manager struct {
	partners *repository.PartnerRepository
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu   sync.RWMutex
	bots map[uint]*partnerBot
}

// NewManager creates a manager. An empty endpoint uses the public Bot API.
func NewManager(partners *repository.PartnerRepository, endpoint string, logger *zap.Logger) *Manager {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		partners: partners,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 90 * time.Second},
		logger:   logger.Named("telegram"),
		bots:     make(map[uint]*partnerBot),
	}
}

// Connect authorizes the bot of every active partner. A partner whose token
// is rejected is skipped; the others keep working.
func (m *Manager) Connect(ctx context.Context) (int, error) {
	partners, err := m.partners.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	connected := 0
	for _, p := range partners {
		api, err := tgbotapi.NewBotAPIWithClient(p.BotToken, m.endpoint, m.client)
		if err != nil {
			m.logger.Error("authorize bot", zap.Uint("partner_id", p.ID), zap.String("partner", p.Code), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.bots[p.ID] = &partnerBot{partner: p, api: api}
		m.mu.Unlock()
		connected++
		m.logger.Info("bot authorized",
			zap.Uint("partner_id", p.ID),
			zap.String("partner", p.Code),
			zap.String("account", api.Self.UserName),
		)
	}
	return connected, nil
}

// Run polls every connected bot until ctx is cancelled and hands each usable
// message to enqueuer.
func (m *Manager) Run(ctx context.Context, enqueuer Enqueuer) error {
	m.mu.RLock()
	bots := make([]*partnerBot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bots {
		g.Go(func() error {
			m.poll(ctx, b, enqueuer)
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) poll(ctx context.Context, b *partnerBot, enqueuer Enqueuer) {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	m.logger.Info("start polling updates", zap.Uint("partner_id", b.partner.ID))

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		in, ok := FromTelegram(b.partner.ID, update.Message)
		if !ok {
			continue
		}
		accepted, err := enqueuer.AddMessageJob(ctx, b.partner.ID, in)
		if err != nil {
			m.logger.Warn("enqueue message",
				zap.Uint("partner_id", b.partner.ID),
				zap.Int64("telegram_id", in.UserID),
				zap.Int("message_id", in.MessageID),
				zap.Error(err),
			)
			continue
		}
		if !accepted {
			m.logger.Debug("duplicate message dropped",
				zap.Uint("partner_id", b.partner.ID),
				zap.Int("message_id", in.MessageID),
			)
		}
	}
	m.logger.Info("stop polling updates", zap.Uint("partner_id", b.partner.ID))
}

// SendMessage sends an HTML formatted message through the partner's bot.
func (m *Manager) SendMessage(ctx context.Context, partnerID uint, chatID int64, text string, opts SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, ok := m.bot(partnerID)
	if !ok {
		return fmt.Errorf("partner %d: %w", partnerID, ErrUnknownPartner)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if markup := replyMarkup(opts); markup != nil {
		msg.ReplyMarkup = markup
	}
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Notify sends a plain notification without touching the reply keyboard.
func (m *Manager) Notify(ctx context.Context, partnerID uint, chatID int64, text string) error {
	return m.SendMessage(ctx, partnerID, chatID, text, SendOptions{})
}

// Connected returns the IDs of partners with an authorized bot.
func (m *Manager) Connected() []uint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) bot(partnerID uint) (*partnerBot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[partnerID]
	return b, ok
}

func replyMarkup(opts SendOptions) interface{} {
	if opts.RemoveKeyboard {
		return tgbotapi.NewRemoveKeyboard(true)
	}
	if len(opts.Keyboard) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.KeyboardButton, 0, len(opts.Keyboard))
	for _, labels := range opts.Keyboard {
		buttons := make([]tgbotapi.KeyboardButton, 0, len(labels))
		for _, label := range labels {
			buttons = append(buttons, tgbotapi.NewKeyboardButton(label))
		}
		rows = append(rows, tgbotapi.NewKeyboardButtonRow(buttons...))
	}
	kb := tgbotapi.NewReplyKeyboard(rows...)
	kb.ResizeKeyboard = true
	return kb
}
