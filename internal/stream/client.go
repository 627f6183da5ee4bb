// Package stream はプッシュチャネル（SSE）のクライアントを提供します。
// 接続のライフサイクルと健全性の報告のみを担い、イベントの整合性は
// リコンサイラー側の冪等なマージ規則に委ねます。配送保証は
// at-least-once・順序保証なしとして扱います。
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/doc-remedy/internal/batch"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Handler は受信した差分イベントの配送先です。
type Handler func(*batch.Event)

// Client はバッチ1件分のプッシュ接続を管理します。
// 同一バッチへの再入的な Connect は接続中／接続試行中ならno-opで、
// Disconnect は何度呼んでも安全です。
type Client struct {
	baseURL  string
	token    string
	handler  Handler
	onHealth func(connected bool)
	logger   *log.Logger

	httpClient *http.Client

	mu      sync.Mutex
	batchID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient はストリームクライアントを作成します。
// handler には受信イベントが、onHealth には接続健全性の変化が通知されます。
func NewClient(baseURL, token string, handler Handler, onHealth func(bool), logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		handler:  handler,
		onHealth: onHealth,
		logger:   logger,
		// ストリーミング接続のため全体タイムアウトは設定しない
		httpClient: &http.Client{},
	}
}

// Connect はバッチのプッシュ接続を開きます。
// 同一バッチに対して既に接続が開いている（または開きかけている）場合は
// 何もしません。別バッチへ接続したままの呼び出しはエラーです。
func (c *Client) Connect(ctx context.Context, batchID string) error {
	if batchID == "" {
		return fmt.Errorf("batchID is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		if c.batchID == batchID {
			return nil
		}
		return fmt.Errorf("already connected to batch %s, disconnect first", c.batchID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.batchID = batchID
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, batchID, c.done)
	return nil
}

// Disconnect は接続を明示的に閉じます。冪等で、未接続でもno-opです。
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.batchID = ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.markConnected(false)
}

// run は接続の維持ループです。ブラウザの EventSource が持つ自動再接続に
// 相当する層で、切断時は指数バックオフで張り直します。認証拒否だけは
// 静かに更新が止まる事態を避けるためフェイルクローズで打ち切ります。
func (c *Client) run(ctx context.Context, batchID string, done chan struct{}) {
	defer close(done)
	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.consume(ctx, batchID)
		c.markConnected(false)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if isAuthError(err) {
				c.logger.Printf("stream: authentication rejected for batch %s, closing: %v", batchID, err)
				return
			}
			c.logger.Printf("stream: connection lost for batch %s, retrying in %s: %v", batchID, delay, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// consume は1本の接続を開いてイベントを読み続けます。
func (c *Client) consume(ctx context.Context, batchID string) error {
	// プッシュプロトコルはカスタムヘッダーを扱えないため
	// トークンはクエリパラメーターで運びます。
	endpoint := fmt.Sprintf("%s/api/batches/%s/events", c.baseURL, batchID)
	if c.token != "" {
		endpoint += "?token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &authError{status: resp.Status}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %s", resp.Status)
	}

	c.markConnected(true)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				c.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(payload, " "))
		}
		// event:/id:/retry: 行は使用しないため読み飛ばす
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

// dispatch は1イベント分のペイロードを解析して配送します。
// 解析不能なエンベロープはログの上で破棄し、ループは止めません。
func (c *Client) dispatch(payload string) {
	ev, err := batch.ParseEvent([]byte(payload))
	if err != nil {
		c.logger.Printf("stream: dropping malformed event: %v", err)
		return
	}
	if ev.Type == batch.EventConnected {
		// ハンドシェイクは状態を運ばない
		c.logger.Printf("stream: push channel established")
		return
	}
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *Client) markConnected(connected bool) {
	if c.onHealth != nil {
		c.onHealth(connected)
	}
}

type authError struct {
	status string
}

func (e *authError) Error() string {
	return fmt.Sprintf("http error: %s", e.status)
}

func isAuthError(err error) bool {
	var ae *authError
	return errors.As(err, &ae)
}
