package sidekick

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/covenantlabs/covenant-go/pkg/auth"
	"github.com/covenantlabs/covenant-go/pkg/wire"
)

const linkTokenTTL = time.Minute

/*
HTTPLink is the covenant server's client for a remote broker's server-side
surface. It satisfies the server's BrokerLink the same way the in-process
Broker does, so deployments can run split or single-binary without
touching handler code.
*/
type HTTPLink struct {
	baseURL string
	guard   *auth.Guard
	http    *http.Client
}

// NewHTTPLink builds a link to the broker at baseURL, authenticating with
// the shared secret.
func NewHTTPLink(baseURL, secret string) *HTTPLink {
	return &HTTPLink{
		baseURL: strings.TrimRight(baseURL, "/"),
		guard:   auth.NewGuard(secret, 0),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// AddConnection registers a freshly minted connection with the broker.
func (l *HTTPLink) AddConnection(ctx context.Context, token, channel string, params map[string]string, connContext any) error {
	return l.post(ctx, "/connection", map[string]any{
		"token":   token,
		"channel": channel,
		"params":  anyMap(params),
		"context": connContext,
	})
}

// UpdateResources publishes updated-events for the resources.
func (l *HTTPLink) UpdateResources(ctx context.Context, resources []string) error {
	return l.post(ctx, "/update", map[string]any{
		"resources": anySlice(resources),
	})
}

// PostServerMessage publishes a server broadcast on the channel topic.
func (l *HTTPLink) PostServerMessage(ctx context.Context, channel string, params map[string]string, data any) error {
	return l.post(ctx, "/message", map[string]any{
		"channel": channel,
		"params":  anyMap(params),
		"data":    data,
	})
}

func (l *HTTPLink) post(ctx context.Context, path string, payload map[string]any) error {
	encoded, err := wire.Encode(payload)
	if err != nil {
		return fmt.Errorf("sidekick link: %w", err)
	}

	bearer, err := l.guard.MintToken("covenant-server", linkTokenTTL)
	if err != nil {
		return fmt.Errorf("sidekick link: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, l.baseURL+path, strings.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidekick link: %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	return nil
}
