package main

import (
	"context"
	"flag"
	"log"
	"time"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/services"
)

// Sends one test message through the configured WAHA or SMTP channel.
func main() {
	phone := flag.String("phone", "", "Phone number (e.g. 886912345678)")
	email := flag.String("email", "", "Email address")
	msg := flag.String("msg", "Test message from the billing worker", "Message body")
	flag.Parse()

	if *phone == "" && *email == "" {
		log.Fatal("Please provide -phone or -email")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *phone != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		chatID := services.NormalizeChatID(*phone)
		log.Printf("Sending WhatsApp message to %s", chatID)
		if err := services.NewWahaService(cfg.WAHA).SendMessage(ctx, chatID, *msg); err != nil {
			log.Fatalf("Failed to send message: %v", err)
		}
	}

	if *email != "" {
		log.Printf("Sending email to %s", *email)
		if err := services.NewEmailService(cfg.SMTP).SendEmail([]string{*email}, "Billing notification test", *msg); err != nil {
			log.Fatalf("Failed to send email: %v", err)
		}
	}

	log.Println("Message sent successfully!")
}
