// Package announce posts a one-shot run summary to an operator webhook.
package announce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const webhookAnnouncePath = "/announcements"

// Summary is the payload posted after a run completes.
type Summary struct {
	Query    string `json:"query"`
	Accounts int    `json:"accounts"`
	Matched  int    `json:"matched"`
	Deleted  int    `json:"deleted"`
	Duration string `json:"duration"`
}

type Option func(*Announcer)

func WithWebhookURL(webhookURL string) Option {
	return func(a *Announcer) {
		a.baseURL = strings.TrimSpace(webhookURL)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(a *Announcer) {
		a.hc = hc
	}
}

type Announcer struct {
	baseURL string
	hc      *http.Client
}

func New(opts ...Option) *Announcer {
	announcer := &Announcer{
		hc: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(announcer)
	}
	return announcer
}

// Announce posts the summary. With no webhook URL configured it does
// nothing.
func (a *Announcer) Announce(ctx context.Context, summary Summary) error {
	if a.baseURL == "" {
		return nil
	}
	baseURL := strings.TrimRight(a.baseURL, "/")
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+webhookAnnouncePath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("announcement webhook returned status %s", resp.Status)
	}
	return nil
}
