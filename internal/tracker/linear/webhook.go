package linear

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	orcerrors "github.com/emily-flambe/orca-sub000/internal/errors"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

// webhookPayload is the envelope Linear POSTs to webhook endpoints.
type webhookPayload struct {
	Action string    `json:"action"`
	Type   string    `json:"type"`
	Data   issueNode `json:"data"`
}

// ParseWebhook verifies the linear-signature header (HMAC-SHA256 of the
// raw body, hex encoded) and decodes the delivery. Non-issue entity
// types return an event with Issue nil so callers can skip them.
func (c *Client) ParseWebhook(signature string, body []byte) (*tracker.WebhookEvent, error) {
	if c.webhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.webhookSecret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if !hmac.Equal([]byte(want), []byte(signature)) {
			return nil, orcerrors.ErrWebhookSignature()
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, orcerrors.ErrWebhookPayload(err)
	}

	ev := &tracker.WebhookEvent{Type: payload.Type}
	switch payload.Action {
	case "create":
		ev.Action = tracker.WebhookCreate
	case "update":
		ev.Action = tracker.WebhookUpdate
	case "remove":
		ev.Action = tracker.WebhookRemove
	default:
		ev.Action = tracker.WebhookUpdate
	}
	if payload.Type == "Issue" {
		issue := mapIssue(&payload.Data, "")
		ev.Issue = &issue
	}
	return ev, nil
}
