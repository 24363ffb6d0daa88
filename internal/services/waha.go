package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"coaching_billing_echo/internal/config"
)

// WhatsappSender delivers a WhatsApp text message.
type WhatsappSender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// WahaService sends WhatsApp messages through a WAHA instance
type WahaService struct {
	client *resty.Client
	pause  func(time.Duration)
}

func NewWahaService(cfg config.WAHAConfig) *WahaService {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", cfg.APIKey)
	return &WahaService{client: client, pause: time.Sleep}
}

func (s *WahaService) post(ctx context.Context, endpoint string, payload map[string]string) error {
	payload["session"] = "default"
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(endpoint)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// NormalizeChatID adds the WhatsApp suffix and turns local Taiwanese mobile
// numbers (09xxxxxxxx) into the 886 country code form
func NormalizeChatID(chatID string) string {
	chatID = strings.TrimSpace(chatID)

	// If it's already a group ID, it's correct
	if strings.HasSuffix(chatID, "@g.us") {
		return chatID
	}

	chatID = strings.TrimSuffix(chatID, "@c.us")
	chatID = strings.TrimPrefix(chatID, "+")
	chatID = strings.NewReplacer(" ", "", "-", "").Replace(chatID)

	if strings.HasPrefix(chatID, "0") {
		chatID = "886" + strings.TrimPrefix(chatID, "0")
	}

	return chatID + "@c.us"
}

// SendMessage marks the chat seen, shows typing briefly, then sends text
func (s *WahaService) SendMessage(ctx context.Context, chatID, text string) error {
	chatID = NormalizeChatID(chatID)

	steps := []struct {
		endpoint string
		wait     time.Duration
	}{
		{"/api/sendSeen", 100 * time.Millisecond},
		{"/api/startTyping", 150 * time.Millisecond},
		{"/api/stopTyping", 50 * time.Millisecond},
	}
	for _, step := range steps {
		if err := s.post(ctx, step.endpoint, map[string]string{"chatId": chatID}); err != nil {
			return fmt.Errorf("%s: %w", step.endpoint, err)
		}
		s.pause(step.wait)
	}

	if err := s.post(ctx, "/api/sendText", map[string]string{"chatId": chatID, "text": text}); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return nil
}
