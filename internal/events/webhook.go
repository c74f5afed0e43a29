package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "AP2-Orchestrator/internal/errors"
)

// WebhookNotifier 以 JSON POST 的方式推送事件。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier 创建 WebhookNotifier，timeout <= 0 时使用 5 秒。
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{URL: strings.TrimSpace(url), Client: &http.Client{Timeout: timeout}}
}

// Channel 返回 Webhook 渠道。
func (n *WebhookNotifier) Channel() string { return "webhook" }

// Notify 发送事件，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "创建 Webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AP2-Event", string(event.Type))

	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "Webhook 请求失败")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeTransport, fmt.Sprintf("Webhook 返回状态 %d", resp.StatusCode))
	}
	return nil
}
