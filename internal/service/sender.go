package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/client"
	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
)

type GatewayClient interface {
	Post(ctx context.Context, endpoint, correlationID string, body any) (client.SendResponse, error)
}

type SendResult struct {
	ProviderMessageID string
	Endpoint          string
}

// Sender maps one outbound payload to one gateway call.
type Sender struct {
	client GatewayClient
	log    zerolog.Logger
}

func NewSender(c GatewayClient, log zerolog.Logger) *Sender {
	return &Sender{
		client: c,
		log:    log.With().Str("component", "sender").Logger(),
	}
}

type textBody struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type imageBody struct {
	Phone   string `json:"phone"`
	Image   string `json:"image"`
	Caption string `json:"caption"`
}

type documentBody struct {
	Phone    string `json:"phone"`
	Document string `json:"document"`
	Filename string `json:"filename"`
}

type audioBody struct {
	Phone string `json:"phone"`
	Audio string `json:"audio"`
}

type videoBody struct {
	Phone   string `json:"phone"`
	Video   string `json:"video"`
	Caption string `json:"caption"`
}

type buttonBody struct {
	Phone      string         `json:"phone"`
	Message    string         `json:"message"`
	ButtonList []model.Button `json:"buttonList"`
}

type listBody struct {
	Phone      string              `json:"phone"`
	Message    string              `json:"message"`
	ButtonText string              `json:"buttonText"`
	Sections   []model.ListSection `json:"sections"`
}

// request builds the endpoint and wire body for p. The phone is sent
// normalized to digits.
func request(p model.Payload) (string, any, error) {
	phone := model.Recipient(p)
	switch v := p.(type) {
	case model.TextPayload:
		return client.EndpointText, textBody{Phone: phone, Message: v.Message}, nil
	case model.ImagePayload:
		return client.EndpointImage, imageBody{Phone: phone, Image: v.Image, Caption: v.Caption}, nil
	case model.DocumentPayload:
		name := v.Filename
		if name == "" {
			name = "document"
		}
		return client.EndpointDocument, documentBody{Phone: phone, Document: v.Document, Filename: name}, nil
	case model.AudioPayload:
		return client.EndpointAudio, audioBody{Phone: phone, Audio: v.Audio}, nil
	case model.VideoPayload:
		return client.EndpointVideo, videoBody{Phone: phone, Video: v.Video, Caption: v.Caption}, nil
	case model.ButtonPayload:
		return client.EndpointButtonList, buttonBody{Phone: phone, Message: v.Message, ButtonList: v.Buttons}, nil
	case model.ListPayload:
		text := v.ButtonText
		if text == "" {
			text = "Menu"
		}
		return client.EndpointList, listBody{Phone: phone, Message: v.Message, ButtonText: text, Sections: v.Sections}, nil
	case nil:
		return "", nil, errs.Validation("payload", "is required")
	}
	return "", nil, errs.Validation("messageType", fmt.Sprintf("%q cannot be sent to the gateway", p.Type()))
}

// Send validates p and delivers it. Errors are *errs.ValidationError,
// *errs.TransientProviderError or *errs.PermanentProviderError.
func (s *Sender) Send(ctx context.Context, correlationID string, p model.Payload) (SendResult, error) {
	endpoint, body, err := request(p)
	if err != nil {
		return SendResult{}, err
	}
	if err := p.Validate(); err != nil {
		return SendResult{}, err
	}

	start := time.Now()
	resp, err := s.client.Post(ctx, endpoint, correlationID, body)
	log := s.log.With().
		Str("correlation_id", correlationID).
		Str("endpoint", endpoint).
		Dur("duration", time.Since(start)).
		Logger()
	if err != nil {
		log.Warn().Err(err).Bool("retryable", errs.IsRetryable(err)).Msg("gateway send failed")
		return SendResult{Endpoint: endpoint}, err
	}

	id := resp.ProviderID()
	if id == "" {
		log.Warn().Msg("gateway accepted message without a message id")
	} else {
		log.Debug().Str("provider_message_id", id).Msg("gateway send succeeded")
	}
	return SendResult{ProviderMessageID: id, Endpoint: endpoint}, nil
}
