package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"kyc-onboarding/internal/wizard"
)

// InboundMessage is a parsed chat message addressed to one partner bot.
type InboundMessage struct {
	PartnerID     uint
	UserID        int64
	ChatID        int64
	MessageID     int
	Username      string
	FirstName     string
	LastName      string
	Text          string
	Command       string
	PhotoFileID   string
	PhotoUniqueID string
	Caption       string
}

func (m InboundMessage) HasPhoto() bool {
	return m.PhotoFileID != ""
}

// FromTelegram converts a private chat message; ok is false for anything the
// wizard cannot use (channel posts, group chats, service messages).
func FromTelegram(partnerID uint, msg *tgbotapi.Message) (InboundMessage, bool) {
	if msg == nil || msg.From == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return InboundMessage{}, false
	}
	in := InboundMessage{
		PartnerID: partnerID,
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
		Text:      strings.TrimSpace(msg.Text),
		Caption:   strings.TrimSpace(msg.Caption),
	}
	if msg.IsCommand() {
		in.Command = strings.ToLower(msg.Command())
	}
	if n := len(msg.Photo); n > 0 {
		// Sizes are ordered smallest first.
		largest := msg.Photo[n-1]
		in.PhotoFileID = largest.FileID
		in.PhotoUniqueID = largest.FileUniqueID
	}
	if in.Text == "" && !in.HasPhoto() {
		return InboundMessage{}, false
	}
	return in, true
}

// SendOptions describes the reply keyboard attached to an outgoing message.
type SendOptions struct {
	Keyboard       [][]string
	RemoveKeyboard bool
}

// Sender delivers outgoing messages through a partner's bot.
type Sender interface {
	SendMessage(ctx context.Context, partnerID uint, chatID int64, text string, opts SendOptions) error
}

// IDExtractor reads the ID card number belonging to an ID card photo.
type IDExtractor interface {
	ExtractIDCardNumber(ctx context.Context, msg InboundMessage) (string, error)
}

// CaptionExtractor takes the ID card number from the photo caption.
type CaptionExtractor struct{}

func (CaptionExtractor) ExtractIDCardNumber(_ context.Context, msg InboundMessage) (string, error) {
	return wizard.FindIDCardNumber(msg.Caption), nil
}
