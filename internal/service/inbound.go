package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/client"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
)

type EngineInvoker interface {
	Invoke(ctx context.Context, correlationID string, req client.EngineRequest) error
}

// InboundProcessor resolves an accepted callback into contact, conversation
// and message rows and drives the conversation engine at most once per
// message. Every step is safe to repeat on retry.
type InboundProcessor struct {
	conv   repo.ConversationRepository
	engine EngineInvoker
	now    func() time.Time
	log    zerolog.Logger
}

// NewInboundProcessor builds a processor. engine may be nil, in which case
// messages are recorded and the engine is never called.
func NewInboundProcessor(conv repo.ConversationRepository, engine EngineInvoker, log zerolog.Logger) *InboundProcessor {
	return &InboundProcessor{
		conv:   conv,
		engine: engine,
		now:    time.Now,
		log:    log.With().Str("component", "inbound").Logger(),
	}
}

func (p *InboundProcessor) Process(ctx context.Context, correlationID string, in model.InboundPayload) error {
	if err := in.Validate(); err != nil {
		return err
	}
	log := p.log.With().
		Str("correlation_id", correlationID).
		Str("provider_message_id", in.ProviderMessageID).
		Logger()

	contact, err := p.conv.UpsertContact(ctx, model.NormalizePhone(in.From), in.SenderName)
	if err != nil {
		return err
	}

	conv, created, err := p.conv.OpenConversation(ctx, contact.ID)
	if err != nil {
		return err
	}

	msg, _, err := p.conv.SaveInboundMessage(ctx, model.InboundMessage{
		ConversationID:    conv.ID,
		ProviderMessageID: in.ProviderMessageID,
		SenderName:        in.SenderName,
		Kind:              in.Kind,
		Content:           in.Text,
		MediaURL:          in.MediaURL,
		StartFlow:         created,
	})
	if err != nil {
		return err
	}

	log = log.With().Str("conversation_id", conv.ID).Logger()

	if msg.EngineInvokedAt != nil {
		log.Debug().Msg("engine already invoked for message")
		return nil
	}
	if p.engine == nil {
		log.Debug().Msg("no conversation engine configured")
		return nil
	}

	var req client.EngineRequest
	switch {
	case msg.StartFlow:
		req = client.EngineRequest{ConversaID: conv.ID, IniciarFluxo: true}
	default:
		active, err := p.conv.HasActiveChatbotSession(ctx, conv.ID)
		if err != nil {
			return err
		}
		if !active {
			log.Debug().Msg("no active chatbot session, engine not called")
			return nil
		}
		req = client.EngineRequest{ConversaID: conv.ID, MensagemCliente: msg.Content}
	}

	if err := p.engine.Invoke(ctx, correlationID, req); err != nil {
		log.Warn().Err(err).Bool("start_flow", req.IniciarFluxo).Msg("conversation engine call failed")
		return err
	}
	if err := p.conv.MarkEngineInvoked(ctx, msg.ID, p.now().UTC()); err != nil {
		return err
	}

	log.Info().Bool("start_flow", req.IniciarFluxo).Msg("conversation engine invoked")
	return nil
}
