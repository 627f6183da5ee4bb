// Package api はオーケストレーターAPIのRESTクライアントを提供します。
// バッチスナップショットの時点読み取りとキャンセル要求のみを担い、
// リトライはポーリング側の責務とします。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/doc-remedy/internal/batch"
)

// Client はオーケストレーターAPIへの薄いHTTPクライアントです。
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient はベースURLとベアラートークンからクライアントを作成します。
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateBatch は POST /api/batches でバッチを新規投入し、スナップショットを返します。
func (c *Client) CreateBatch(ctx context.Context, fileNames []string) (*batch.Batch, error) {
	if len(fileNames) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}
	payload, err := json.Marshal(map[string][]string{"files": fileNames})
	if err != nil {
		return nil, err
	}
	url := c.BaseURL + "/api/batches"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return batch.ParseSnapshot(body)
}

// FetchBatch は GET /api/batches/{id} を1回だけ実行し、スナップショットを返します。
// リトライやバックオフは行いません（呼び出し側のポリシーに委ねます）。
func (c *Client) FetchBatch(ctx context.Context, batchID string) (*batch.Batch, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batchID is required")
	}
	url := fmt.Sprintf("%s/api/batches/%s", c.BaseURL, batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return batch.ParseSnapshot(body)
}

// CancelBatch は POST /api/batches/{id}/cancel を実行します。
// 応答ボディに意味はなく、ステータスのみを見ます。
func (c *Client) CancelBatch(ctx context.Context, batchID string) error {
	if batchID == "" {
		return fmt.Errorf("batchID is required")
	}
	url := fmt.Sprintf("%s/api/batches/%s/cancel", c.BaseURL, batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %s", resp.Status)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	return c.HTTPClient
}
