package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/botjuris/botjuris/internal/boterr"
)

type Config struct {
	Host              string
	APIKey            string
	Timeout           time.Duration
	MaxMessageLength  int
	MaxTypingDelaySec int
}

// Client talks to an Evolution API instance.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Receipt is the provider's confirmation for one delivered part.
type Receipt struct {
	MessageID string
	Parts     int
}

// Sender is what the pipeline needs from the gateway.
type Sender interface {
	SendText(ctx context.Context, instance, number, text string) (Receipt, error)
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxMessageLength < 1 {
		cfg.MaxMessageLength = 4000
	}
	if cfg.MaxTypingDelaySec < 1 {
		cfg.MaxTypingDelaySec = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "whatsapp"),
	}
}

type sendTextRequest struct {
	Number      string `json:"number"`
	Text        string `json:"text"`
	Delay       int    `json:"delay"`
	LinkPreview bool   `json:"linkPreview"`
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText splits the reply into WhatsApp-sized parts and delivers
// them in order, each with a human-ish typing delay. Parts already
// delivered are not resent when a later part fails; the returned error
// classification decides whether the whole send is retried.
func (c *Client) SendText(ctx context.Context, instance, number, text string) (Receipt, error) {
	number = strings.TrimSpace(strings.Split(number, "@")[0])
	if number == "" {
		return Receipt{}, &boterr.DeliveryError{Err: fmt.Errorf("empty recipient number")}
	}

	parts := SplitMessage(text, c.cfg.MaxMessageLength)
	if len(parts) == 0 {
		return Receipt{}, &boterr.DeliveryError{Err: fmt.Errorf("empty message")}
	}

	var receipt Receipt
	for i, part := range parts {
		messageID, err := c.sendPart(ctx, instance, number, part)
		if err != nil {
			return Receipt{}, err
		}
		receipt.MessageID = messageID
		receipt.Parts = i + 1
	}
	c.logger.Info("message delivered", "number", number, "parts", receipt.Parts)
	return receipt, nil
}

func (c *Client) sendPart(ctx context.Context, instance, number, part string) (string, error) {
	body, err := json.Marshal(sendTextRequest{
		Number:      number,
		Text:        part,
		Delay:       TypingDelaySeconds(part, c.cfg.MaxTypingDelaySec) * 1000,
		LinkPreview: true,
	})
	if err != nil {
		return "", &boterr.DeliveryError{Err: fmt.Errorf("marshal send request: %w", err)}
	}

	endpoint := strings.TrimRight(c.cfg.Host, "/") + "/message/sendText/" + instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &boterr.DeliveryError{Err: err}
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", &boterr.DeliveryError{Transient: true, Err: err}
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", &boterr.DeliveryError{Transient: true, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		err := fmt.Errorf("send failed with status %d", res.StatusCode)
		if transientStatus(res.StatusCode) {
			return "", &boterr.DeliveryError{Transient: true, StatusCode: res.StatusCode, Err: err}
		}
		c.logger.Error("permanent delivery failure", "status", res.StatusCode, "body", strings.TrimSpace(string(respBody)))
		return "", &boterr.DeliveryError{StatusCode: res.StatusCode, Err: err}
	}

	var response sendTextResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		// Delivery succeeded; a broken receipt body is not worth a resend.
		return "", nil
	}
	return response.Key.ID, nil
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}
