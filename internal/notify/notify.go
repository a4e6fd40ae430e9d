// Package notify posts block completion events to an external warehouse
// endpoint. Delivery is best-effort: the engine logs failures and moves on.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event is the JSON body posted on block completion.
type Event struct {
	Event       string    `json:"event"`
	BlockID     string    `json:"block_id"`
	Pins        []int     `json:"pins"`
	CompletedAt time.Time `json:"completed_at"`
}

// Client posts completion events to a single URL.
type Client struct {
	url    string
	client *http.Client
}

// New returns a client for the given URL. An empty URL disables posting.
func New(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// BlockCompleted posts a block_completed event. A non-2xx response is an
// error; the caller decides whether to care.
func (c *Client) BlockCompleted(blockID string, pins []int) error {
	if c.url == "" {
		return nil
	}

	body, err := json.Marshal(Event{
		Event:       "block_completed",
		BlockID:     blockID,
		Pins:        pins,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post completion for block %s: %w", blockID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("completion endpoint returned %d for block %s", resp.StatusCode, blockID)
	}
	return nil
}
