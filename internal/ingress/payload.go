package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotAMessage = errors.New("payload carries no user message")
var ErrInvalidPayload = errors.New("invalid webhook payload")

// MessageEvent is the normalized inbound message handed to the queue.
type MessageEvent struct {
	ProviderMessageID string
	Sender            string
	Instance          string
	PushName          string
	Content           string
	Timestamp         time.Time
}

type webhookPayload struct {
	Instance string          `json:"instance"`
	Sender   string          `json:"sender"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

type webhookData struct {
	Key struct {
		ID        string `json:"id"`
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
	} `json:"key"`
	Message          map[string]json.RawMessage `json:"message"`
	MessageType      string                     `json:"messageType"`
	PushName         string                     `json:"pushName"`
	MessageTimestamp int64                      `json:"messageTimestamp"`
}

// Parse decodes an Evolution webhook body into message events. The
// data field may be a single object or a batch array. Events sent by
// the bot itself (fromMe) and payloads without recognizable content
// yield no event; a malformed envelope is an error.
func Parse(body []byte) ([]MessageEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.Instance) == "" || len(payload.Data) == 0 {
		return nil, ErrInvalidPayload
	}

	var batch []webhookData
	if err := json.Unmarshal(payload.Data, &batch); err != nil {
		var single webhookData
		if err := json.Unmarshal(payload.Data, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		batch = []webhookData{single}
	}

	events := make([]MessageEvent, 0, len(batch))
	for _, data := range batch {
		event, err := normalize(payload, data)
		if err != nil {
			if errors.Is(err, ErrNotAMessage) {
				continue
			}
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func normalize(payload webhookPayload, data webhookData) (MessageEvent, error) {
	if data.Key.FromMe {
		return MessageEvent{}, ErrNotAMessage
	}
	messageID := strings.TrimSpace(data.Key.ID)
	if messageID == "" {
		return MessageEvent{}, ErrInvalidPayload
	}

	sender := strings.TrimSpace(payload.Sender)
	if sender == "" {
		sender = strings.TrimSpace(data.Key.RemoteJid)
	}
	if sender == "" {
		return MessageEvent{}, ErrInvalidPayload
	}

	content := extractContent(data)
	if content == "" {
		return MessageEvent{}, ErrNotAMessage
	}
	content = SanitizeText(content, maxContentLength)
	if content == "" {
		return MessageEvent{}, ErrNotAMessage
	}

	pushName := strings.TrimSpace(data.PushName)
	if pushName == "" {
		pushName = "Usuário"
	}

	timestamp := time.Now().UTC()
	if data.MessageTimestamp > 0 {
		timestamp = time.Unix(data.MessageTimestamp, 0).UTC()
	}

	return MessageEvent{
		ProviderMessageID: messageID,
		Sender:            sender,
		Instance:          strings.TrimSpace(payload.Instance),
		PushName:          pushName,
		Content:           content,
		Timestamp:         timestamp,
	}, nil
}

func extractContent(data webhookData) string {
	message := data.Message
	switch data.MessageType {
	case "conversation":
		var text string
		if raw, ok := message["conversation"]; ok {
			_ = json.Unmarshal(raw, &text)
		}
		return text
	case "extendedTextMessage":
		var extended struct {
			Text string `json:"text"`
		}
		if raw, ok := message["extendedTextMessage"]; ok {
			_ = json.Unmarshal(raw, &extended)
		}
		return extended.Text
	case "imageMessage":
		return "Imagem recebida"
	case "audioMessage":
		return "Mensagem de áudio"
	case "documentWithCaptionMessage":
		return "Documento recebido (" + documentKind(message) + ")"
	default:
		return ""
	}
}

func documentKind(message map[string]json.RawMessage) string {
	raw, ok := message["documentWithCaptionMessage"]
	if !ok {
		return "desconhecido"
	}
	var wrapper struct {
		Message struct {
			DocumentMessage struct {
				MimeType string `json:"mimeType"`
			} `json:"documentMessage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "desconhecido"
	}
	mime := wrapper.Message.DocumentMessage.MimeType
	if _, kind, found := strings.Cut(mime, "/"); found {
		return kind
	}
	return "desconhecido"
}
