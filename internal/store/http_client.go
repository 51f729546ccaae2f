package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nfrund/roomsync/internal/events"
)

// HTTPClient reads history and snapshots from the relay's REST endpoints.
type HTTPClient struct {
	base   string
	client *http.Client
}

// NewHTTPClient creates a client for the relay at baseURL, e.g.
// "http://localhost:8080".
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), client: client}
}

// GetMessages fetches one page of a room's history.
func (c *HTTPClient) GetMessages(ctx context.Context, roomID string, page, pageSize int) (MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var out MessagePage
	err := c.get(ctx, "/rooms/"+url.PathEscape(roomID)+"/messages?"+q.Encode(), &out)
	return out, err
}

// GetRoomSnapshot fetches the current state of a room.
func (c *HTTPClient) GetRoomSnapshot(ctx context.Context, roomID string) (events.RoomSnapshot, error) {
	var out events.RoomSnapshot
	err := c.get(ctx, "/rooms/"+url.PathEscape(roomID)+"/snapshot", &out)
	return out, err
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
