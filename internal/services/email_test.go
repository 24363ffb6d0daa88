package services

import (
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coaching_billing_echo/internal/config"
)

func TestSendEmail(t *testing.T) {
	svc := NewEmailService(config.SMTPConfig{Host: "smtp.example.com", Port: "587", User: "u", Password: "p", From: "billing@example.com"})

	var gotAddr string
	var gotMsg []byte
	svc.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "billing@example.com", from)
		assert.Equal(t, []string{"coach@example.com"}, to)
		return nil
	}

	require.NoError(t, svc.SendEmail([]string{"coach@example.com"}, "Payment failed", "body"))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: Payment failed\r\n")
	assert.Contains(t, string(gotMsg), "\r\n\r\nbody\r\n")
}

func TestSendEmailErrors(t *testing.T) {
	unconfigured := NewEmailService(config.SMTPConfig{})
	assert.Error(t, unconfigured.SendEmail([]string{"a@example.com"}, "s", "b"))

	svc := NewEmailService(config.SMTPConfig{Host: "h", Port: "25", User: "u", Password: "p"})
	assert.Error(t, svc.SendEmail(nil, "s", "b"))

	svc.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	err := svc.SendEmail([]string{"a@example.com"}, "s", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}
