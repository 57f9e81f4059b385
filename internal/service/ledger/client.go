package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type (
	// Transaction is one ledger transaction as the external API
	// returns it. Chunks carry the byte-packed transition payload.
	Transaction struct {
		ID      string   `json:"id"`
		Program string   `json:"program"`
		Chunks  []string `json:"chunks"`
	}

	Block struct {
		Height       int64         `json:"height"`
		Transactions []Transaction `json:"transactions"`
	}

	// API is the read-only ledger surface the reconciler consumes.
	API interface {
		Height(ctx context.Context) (int64, error)
		Block(ctx context.Context, height int64) (*Block, error)
	}

	// Client is the HTTP implementation of API.
	Client struct {
		base string
		http *http.Client
	}
)

func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Height(ctx context.Context) (int64, error) {
	var out struct {
		Height int64 `json:"height"`
	}
	if err := c.get(ctx, c.base+"/height", &out); err != nil {
		return 0, err
	}
	return out.Height, nil
}

func (c *Client) Block(ctx context.Context, height int64) (*Block, error) {
	var out Block
	if err := c.get(ctx, fmt.Sprintf("%s/blocks/%d", c.base, height), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger fetch %s: status %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger decode %s: %w", url, err)
	}
	return nil
}
