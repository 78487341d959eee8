// Package upload delivers the flat sensor record to the collection server.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/sensor"
)

// maxBody caps how much of a reply is kept for logging.
const maxBody = 512

// ErrNotConfigured is returned by Send when no server URL is set.
var ErrNotConfigured = errors.New("upload url not configured")

// StatusError is a reply other than 200 OK.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server replied %d %s", e.Code, http.StatusText(e.Code))
}

// Client posts records as JSON.
type Client struct {
	url   string
	uid   string
	http  *http.Client
	debug bool
}

// New creates a client. A zero timeout falls back to 10s.
func New(cfg config.UploadConfig, debug bool) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:   cfg.URL,
		uid:   cfg.UID,
		http:  &http.Client{Timeout: timeout},
		debug: debug,
	}
}

// Enabled reports whether a server URL is configured.
func (c *Client) Enabled() bool {
	return c.url != ""
}

// UID returns the device id stamped on every record.
func (c *Client) UID() string {
	return c.uid
}

// SendReading posts the record built from r.
func (c *Client) SendReading(ctx context.Context, r sensor.Reading) error {
	return c.Send(ctx, r.Record(c.uid))
}

// Send posts one record. Only 200 OK counts as delivered.
func (c *Client) Send(ctx context.Context, rec sensor.Record) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if c.debug {
		log.Printf("[upload] POST %s %s", c.url, payload)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post record: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if c.debug {
		log.Printf("[upload] reply %s", body)
	}
	return nil
}
