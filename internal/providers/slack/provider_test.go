package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookProviderPostsMessage(t *testing.T) {
	var got webhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, srv.Client())
	if err := p.PostMessage(context.Background(), "#treasury", "runway low"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got.Channel != "#treasury" || got.Text != "runway low" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestWebhookProviderReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewWebhookProvider(srv.URL, srv.Client())
	if err := p.PostMessage(context.Background(), "", "x"); err == nil {
		t.Fatalf("expected error on 403")
	}
}
