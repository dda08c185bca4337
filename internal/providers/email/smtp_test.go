package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"
)

func TestSendTemplateRendersEmbeddedTemplate(t *testing.T) {
	var gotTo []string
	var gotMsg string
	p := NewSMTP(Config{Host: "localhost", Port: 2525, From: "receipts@example.com"})
	p.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "localhost:2525" {
			t.Fatalf("unexpected addr %s", addr)
		}
		if a != nil {
			t.Fatalf("expected no auth without username")
		}
		gotTo = to
		gotMsg = string(msg)
		return nil
	}

	err := p.SendTemplate(context.Background(), []string{"buyer@example.com"}, "purchase_completed", map[string]interface{}{
		"item_title":   "Issue #1",
		"amount":       "3.39",
		"mint_address": "Mint111",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(gotTo) != 1 || gotTo[0] != "buyer@example.com" {
		t.Fatalf("unexpected recipients %v", gotTo)
	}
	if !strings.Contains(gotMsg, "Subject: Your purchase is complete") {
		t.Fatalf("missing default subject: %s", gotMsg)
	}
	if !strings.Contains(gotMsg, "Issue #1") || !strings.Contains(gotMsg, "Mint111") {
		t.Fatalf("template not rendered: %s", gotMsg)
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	p := NewSMTP(Config{Host: "localhost", Port: 25})
	if err := p.Send(context.Background(), nil, "s", "b"); err != ErrNoRecipient {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	if _, err := Render("missing", nil); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}
