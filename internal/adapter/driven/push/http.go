package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
)

// HTTPProvider posts wake requests as JSON to a push gateway
// (e.g. a small relay in front of FCM/APNs).
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewHTTPProvider(endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type gatewayRequest struct {
	Token    string            `json:"token"`
	Priority string            `json:"priority"`
	TTL      int               `json:"ttlSeconds"`
	Data     map[string]string `json:"data"`
}

func (p *HTTPProvider) Send(ctx context.Context, token string, req domain.WakeRequest) error {
	body, err := json.Marshal(buildRequest(token, req))
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// buildRequest shapes the payload: call wakes are high priority with a TTL
// no longer than the ring window, other intents are normal priority.
func buildRequest(token string, req domain.WakeRequest) gatewayRequest {
	data := map[string]string{
		"type": string(req.Intent),
		"from": req.From.String(),
	}
	if req.CallID != "" {
		data["callId"] = req.CallID.String()
	}
	if req.Kind != "" {
		data["isVideo"] = fmt.Sprint(req.Kind == domain.MediaVideo)
	}
	if req.Body != "" {
		data["body"] = req.Body
	}

	out := gatewayRequest{Token: token, Priority: "normal", TTL: 3600, Data: data}
	switch req.Intent {
	case domain.WakeIncomingCall:
		out.Priority, out.TTL = "high", 30
	case domain.WakeCancellation:
		out.Priority, out.TTL = "high", 60
	}
	return out
}
