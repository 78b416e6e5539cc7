package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// tokenURL maps ws://host/socket/websocket to http://host/api/token.
func tokenURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/socket/websocket") + "/api/token"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchToken(ctx context.Context, endpoint, name string) (string, domain.UserID, error) {
	target, err := tokenURL(endpoint)
	if err != nil {
		return "", "", err
	}
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("request token: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("request token: %s", res.Status)
	}
	var out struct {
		Token  string        `json:"token"`
		UserID domain.UserID `json:"user_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode token: %w", err)
	}
	return out.Token, out.UserID, nil
}
