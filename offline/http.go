package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSender 用 bearer token 调 PATCH /api/loans
type HTTPSender struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPSender(baseURL, token string) *HTTPSender {
	return &HTTPSender{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPSender) Send(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, h.BaseURL+"/api/loans", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	// 408/429 稍后可重试
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("server busy (%d)", resp.StatusCode)
	case resp.StatusCode < 500:
		return &RejectedError{Status: resp.StatusCode, Message: errorMessage(msg)}
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, errorMessage(msg))
}

// {"error":{"code","message"}} 取 message，否则原样返回
func errorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		return body.Error.Code + ": " + body.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
