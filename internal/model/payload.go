package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeDocument MessageType = "document"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeButton   MessageType = "button"
	TypeList     MessageType = "list"
	TypeInbound  MessageType = "inbound"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeDocument, TypeAudio, TypeVideo, TypeButton, TypeList, TypeInbound:
		return true
	}
	return false
}

// Outbound reports whether rows of this type go to the gateway.
func (t MessageType) Outbound() bool {
	return t.Valid() && t != TypeInbound
}

// Payload is the variant part of a queue row. Every concrete type below is
// one case of the union keyed by MessageType.
type Payload interface {
	Type() MessageType
	Validate() error
}

type TextPayload struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type ImagePayload struct {
	Phone   string `json:"phone"`
	Image   string `json:"image"`
	Caption string `json:"caption,omitempty"`
}

type DocumentPayload struct {
	Phone    string `json:"phone"`
	Document string `json:"document"`
	Filename string `json:"filename,omitempty"`
}

type AudioPayload struct {
	Phone string `json:"phone"`
	Audio string `json:"audio"`
}

type VideoPayload struct {
	Phone   string `json:"phone"`
	Video   string `json:"video"`
	Caption string `json:"caption,omitempty"`
}

type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type ButtonPayload struct {
	Phone   string   `json:"phone"`
	Message string   `json:"message"`
	Buttons []Button `json:"buttons"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListPayload struct {
	Phone      string        `json:"phone"`
	Message    string        `json:"message"`
	ButtonText string        `json:"buttonText,omitempty"`
	Sections   []ListSection `json:"sections"`
}

// InboundPayload is a provider callback accepted by the webhook and waiting
// for contact/conversation resolution.
type InboundPayload struct {
	ProviderMessageID string `json:"providerMessageId"`
	InstanceID        string `json:"instanceId,omitempty"`
	From              string `json:"from"`
	To                string `json:"to,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
	Kind              string `json:"kind"`
	Text              string `json:"text,omitempty"`
	MediaURL          string `json:"mediaUrl,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

func (TextPayload) Type() MessageType     { return TypeText }
func (ImagePayload) Type() MessageType    { return TypeImage }
func (DocumentPayload) Type() MessageType { return TypeDocument }
func (AudioPayload) Type() MessageType    { return TypeAudio }
func (VideoPayload) Type() MessageType    { return TypeVideo }
func (ButtonPayload) Type() MessageType   { return TypeButton }
func (ListPayload) Type() MessageType     { return TypeList }
func (InboundPayload) Type() MessageType  { return TypeInbound }

func (p TextPayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	return required("message", p.Message)
}

func (p ImagePayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	return required("image", p.Image)
}

func (p DocumentPayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	return required("document", p.Document)
}

func (p AudioPayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	return required("audio", p.Audio)
}

func (p VideoPayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	return required("video", p.Video)
}

func (p ButtonPayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	if err := required("message", p.Message); err != nil {
		return err
	}
	if len(p.Buttons) == 0 {
		return errs.Validation("buttons", "must contain at least one button")
	}
	for i, b := range p.Buttons {
		if strings.TrimSpace(b.Label) == "" {
			return errs.Validation(fmt.Sprintf("buttons[%d].label", i), "is required")
		}
	}
	return nil
}

func (p ListPayload) Validate() error {
	if err := validateRecipient(p.Phone); err != nil {
		return err
	}
	if err := required("message", p.Message); err != nil {
		return err
	}
	if len(p.Sections) == 0 {
		return errs.Validation("sections", "must contain at least one section")
	}
	for i, s := range p.Sections {
		if len(s.Rows) == 0 {
			return errs.Validation(fmt.Sprintf("sections[%d].rows", i), "must contain at least one row")
		}
	}
	return nil
}

func (p InboundPayload) Validate() error {
	if err := required("providerMessageId", p.ProviderMessageID); err != nil {
		return err
	}
	return validateSender(p.From)
}

// Recipient returns the normalized phone an outbound payload is addressed to.
func Recipient(p Payload) string {
	switch v := p.(type) {
	case TextPayload:
		return NormalizePhone(v.Phone)
	case ImagePayload:
		return NormalizePhone(v.Phone)
	case DocumentPayload:
		return NormalizePhone(v.Phone)
	case AudioPayload:
		return NormalizePhone(v.Phone)
	case VideoPayload:
		return NormalizePhone(v.Phone)
	case ButtonPayload:
		return NormalizePhone(v.Phone)
	case ListPayload:
		return NormalizePhone(v.Phone)
	case InboundPayload:
		return NormalizePhone(v.From)
	}
	return ""
}

// DecodePayload parses raw into the payload struct registered for t.
func DecodePayload(t MessageType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, errs.Validation("payload", "is empty")
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeText:
		p, err = decodeAs[TextPayload](raw)
	case TypeImage:
		p, err = decodeAs[ImagePayload](raw)
	case TypeDocument:
		p, err = decodeAs[DocumentPayload](raw)
	case TypeAudio:
		p, err = decodeAs[AudioPayload](raw)
	case TypeVideo:
		p, err = decodeAs[VideoPayload](raw)
	case TypeButton:
		p, err = decodeAs[ButtonPayload](raw)
	case TypeList:
		p, err = decodeAs[ListPayload](raw)
	case TypeInbound:
		p, err = decodeAs[InboundPayload](raw)
	default:
		return nil, errs.Validation("messageType", fmt.Sprintf("%q is not supported", t))
	}
	if err != nil {
		return nil, errs.Validation("payload", fmt.Sprintf("is not a valid %s payload: %v", t, err))
	}
	return p, nil
}

func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, errs.Validation("payload", "is required")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Validation("payload", err.Error())
	}
	return b, nil
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return errs.Validation(field, "is required")
	}
	return nil
}
