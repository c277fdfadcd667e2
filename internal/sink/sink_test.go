package sink

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dhanush-2313/finalyearproject-sub000/internal/config"
	"github.com/dhanush-2313/finalyearproject-sub000/internal/record"
)

func capture(t *testing.T, status int) (*httptest.Server, *string) {
	t.Helper()
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &got
}

func TestSlackSenderRendersTemplate(t *testing.T) {
	server, got := capture(t, http.StatusOK)

	sender, err := NewSlackSender(server.URL, "ALERT {{.RuleID}} {{.Status}} {{short_addr .TxHandle}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), EventPayload{
		RuleID: "r1", Status: "FAILED", TxHandle: "0x1234567890abcdef",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if !strings.Contains(*got, "ALERT r1 FAILED 0x1234") {
		t.Fatalf("unexpected payload: %s", *got)
	}
}

func TestDefaultTemplateFlagsUnconfirmed(t *testing.T) {
	server, got := capture(t, http.StatusOK)
	sender, err := NewWebhookSender(server.URL, "", "", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	ev := &record.Event{
		ID:       "rec-1",
		Kind:     record.KindDonationReceived,
		Status:   record.StatusFailed,
		TxHandle: "0xabcdef0123456789",
		Payload:  &record.DonationReceived{Donor: "d", Amount: big.NewInt(1), Purpose: "p"},
		Error:    &record.Failure{Cause: record.CauseConfirmationTimeout, Message: "confirmation timeout"},
	}
	if err := sender.Send(context.Background(), PayloadFor("ops", ev)); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, want := range []string{"FAILED DonationReceived record rec-1", "confirmation_timeout, unconfirmed"} {
		if !strings.Contains(*got, want) {
			t.Fatalf("expected %q in %s", want, *got)
		}
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server, _ := capture(t, http.StatusBadGateway)

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), EventPayload{RuleID: "r"})
	if err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestBuild(t *testing.T) {
	senders, err := Build([]config.Sink{
		{ID: "s", Type: "slack", WebhookURL: "https://hooks.slack.test"},
		{ID: "w", Type: "webhook", URL: "https://example.test", Method: "put"},
		{ID: "x", Type: "unknown"},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(senders) != 2 || senders["s"] == nil || senders["w"] == nil {
		t.Fatalf("unexpected senders %v", senders)
	}
	if _, err := Build([]config.Sink{{ID: "bad", Type: "webhook"}}); err == nil {
		t.Fatalf("expected error for webhook without url")
	}
}
