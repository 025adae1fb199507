package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/cache"
	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
)

const (
	eventMessageReceived  = "message-received"
	eventReceivedCallback = "ReceivedCallback"

	defaultSenderName = "Cliente"
)

const (
	AckAccepted  = "accepted"
	AckDuplicate = "duplicate"
	AckIgnored   = "ignored"
)

type Ack struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	QueueID   string `json:"queueId,omitempty"`
}

type webhookText struct {
	Message string `json:"message"`
}

type webhookMedia struct {
	ImageURL    string `json:"imageUrl"`
	DocumentURL string `json:"documentUrl"`
	AudioURL    string `json:"audioUrl"`
	VideoURL    string `json:"videoUrl"`
	Caption     string `json:"caption"`
	FileName    string `json:"fileName"`
}

// webhookMessage covers both callback shapes the gateway emits: the wrapped
// {event, data} form and the flat ReceivedCallback form.
type webhookMessage struct {
	MessageID  string        `json:"messageId"`
	From       string        `json:"from"`
	Phone      string        `json:"phone"`
	To         string        `json:"to"`
	Text       *webhookText  `json:"text"`
	Image      *webhookMedia `json:"image"`
	Document   *webhookMedia `json:"document"`
	Audio      *webhookMedia `json:"audio"`
	Video      *webhookMedia `json:"video"`
	Timestamp  int64         `json:"timestamp"`
	Momment    int64         `json:"momment"`
	FromMe     bool          `json:"fromMe"`
	SenderName string        `json:"senderName"`
	PushName   string        `json:"pushName"`
}

type webhookPayload struct {
	Event      string          `json:"event"`
	Type       string          `json:"type"`
	InstanceID string          `json:"instanceId"`
	Data       *webhookMessage `json:"data"`
	webhookMessage
}

func (p *webhookPayload) message() *webhookMessage {
	if p.Data != nil {
		return p.Data
	}
	return &p.webhookMessage
}

func (p *webhookPayload) event() string {
	if p.Event != "" {
		return p.Event
	}
	return p.Type
}

func toInbound(instanceID string, m *webhookMessage) model.InboundPayload {
	in := model.InboundPayload{
		ProviderMessageID: strings.TrimSpace(m.MessageID),
		InstanceID:        instanceID,
		From:              m.From,
		To:                m.To,
		SenderName:        m.SenderName,
		Kind:              "text",
		Timestamp:         m.Timestamp,
	}
	if in.From == "" {
		in.From = m.Phone
	}
	if in.SenderName == "" {
		in.SenderName = m.PushName
	}
	if in.SenderName == "" {
		in.SenderName = defaultSenderName
	}
	if in.Timestamp == 0 {
		in.Timestamp = m.Momment
	}

	switch {
	case m.Text != nil:
		in.Text = m.Text.Message
	case m.Image != nil:
		in.Kind, in.MediaURL, in.Text = "image", m.Image.ImageURL, m.Image.Caption
	case m.Document != nil:
		in.Kind, in.MediaURL, in.Text = "document", m.Document.DocumentURL, m.Document.FileName
	case m.Audio != nil:
		in.Kind, in.MediaURL = "audio", m.Audio.AudioURL
	case m.Video != nil:
		in.Kind, in.MediaURL, in.Text = "video", m.Video.VideoURL, m.Video.Caption
	}
	return in
}

// WebhookReceiver turns provider callbacks into inbound queue rows. It does
// no contact or conversation work itself so the provider gets a fast ack.
type WebhookReceiver struct {
	enq      *Enqueuer
	cache    cache.MessageCache
	priority int
	log      zerolog.Logger
}

func NewWebhookReceiver(enq *Enqueuer, c cache.MessageCache, inboundPriority int, log zerolog.Logger) *WebhookReceiver {
	if c == nil {
		c = cache.Nop{}
	}
	return &WebhookReceiver{
		enq:      enq,
		cache:    c,
		priority: inboundPriority,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// Receive handles one raw callback body. A malformed body returns a
// *errs.ValidationError; a store failure while accepting returns the store
// error so the provider redelivers. Everything else is acknowledged.
func (w *WebhookReceiver) Receive(ctx context.Context, raw []byte) (Ack, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Ack{}, errs.Validation("body", "is not valid JSON")
	}

	event := p.event()
	if event != eventMessageReceived && event != eventReceivedCallback {
		w.log.Debug().Str("event", event).Msg("webhook event ignored")
		return Ack{Success: true, Status: AckIgnored, Reason: "event"}, nil
	}

	m := p.message()
	if m.FromMe {
		return Ack{Success: true, Status: AckIgnored, Reason: "fromMe", MessageID: m.MessageID}, nil
	}

	in := toInbound(p.InstanceID, m)
	if in.ProviderMessageID == "" {
		return Ack{}, errs.Validation("messageId", "is required")
	}
	if strings.TrimSpace(in.From) == "" {
		return Ack{}, errs.Validation("from", "is required")
	}
	if err := in.Validate(); err != nil {
		return Ack{}, err
	}

	log := w.log.With().Str("provider_message_id", in.ProviderMessageID).Logger()

	sent, err := w.cache.WasSent(ctx, in.ProviderMessageID)
	if err != nil {
		log.Warn().Err(err).Msg("sent-id cache lookup failed")
	}
	if sent {
		return Ack{Success: true, Status: AckIgnored, Reason: "echo", MessageID: in.ProviderMessageID}, nil
	}

	dedupKey := "inbound:" + in.ProviderMessageID

	first, err := w.cache.MarkSeen(ctx, in.ProviderMessageID)
	if err != nil {
		log.Warn().Err(err).Msg("inbound dedupe cache failed, relying on store")
		first = true
	}
	if !first {
		// The cache is only a hint: a key left behind by a failed insert must
		// not swallow the redelivery.
		existing, err := w.enq.repo.FindByDedupKey(ctx, dedupKey)
		switch {
		case err == nil:
			log.Debug().Str("message_id", existing.ID).Msg("duplicate webhook dropped")
			return Ack{Success: true, Status: AckDuplicate, MessageID: in.ProviderMessageID, QueueID: existing.ID}, nil
		case !errors.Is(err, repo.ErrNotFound):
			log.Error().Err(err).Msg("webhook dedupe lookup failed")
			return Ack{}, err
		}
		log.Warn().Msg("stale dedupe key without a queue row, accepting redelivery")
	}

	md := map[string]string{"source": "webhook"}
	if in.InstanceID != "" {
		md["instanceId"] = in.InstanceID
	}

	id, err := w.enq.Enqueue(ctx, in,
		WithPriority(w.priority),
		WithDedupKey(dedupKey),
		WithMetadata(md),
	)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		log.Debug().Str("message_id", id).Msg("duplicate webhook dropped by store")
		return Ack{Success: true, Status: AckDuplicate, MessageID: in.ProviderMessageID, QueueID: id}, nil
	case err != nil:
		if ferr := w.cache.ForgetSeen(ctx, in.ProviderMessageID); ferr != nil {
			log.Warn().Err(ferr).Msg("could not release dedupe key")
		}
		log.Error().Err(err).Msg("webhook enqueue failed")
		return Ack{}, err
	}

	log.Info().Str("message_id", id).Str("kind", in.Kind).Msg("webhook accepted")
	return Ack{Success: true, Status: AckAccepted, MessageID: in.ProviderMessageID, QueueID: id}, nil
}
