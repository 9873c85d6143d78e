package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/bus"
	"github.com/dispatchd/dispatchd/internal/config"
)

// GatewaySender posts outbound WhatsApp messages to the messaging
// gateway's send endpoint. It serves both conversation replies and
// human hand-off alerts.
type GatewaySender struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewGatewaySender creates a sender against the configured gateway.
func NewGatewaySender(cfg config.GatewayConfig) *GatewaySender {
	return &GatewaySender{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.InboundToken,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// SendReply delivers a conversation reply to its chat.
func (g *GatewaySender) SendReply(ctx context.Context, r *bus.Reply) error {
	return g.post(ctx, map[string]any{
		"tenant_id": r.TenantID,
		"chat_jid":  r.ChatJID,
		"content":   r.Content,
		"agent_id":  r.AgentID,
	})
}

// SendWhatsAppAlert delivers a hand-off alert to a human contact's
// direct chat.
func (g *GatewaySender) SendWhatsAppAlert(ctx context.Context, phone, message string) error {
	jid := phone
	if !strings.Contains(jid, "@") {
		jid += "@s.whatsapp.net"
	}
	return g.post(ctx, map[string]any{
		"chat_jid": jid,
		"content":  message,
	})
}

func (g *GatewaySender) post(ctx context.Context, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/messages/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway send status: %d", resp.StatusCode)
	}
	return nil
}
