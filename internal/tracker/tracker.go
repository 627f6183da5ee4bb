// Package tracker は進捗同期サブシステムの玄関口です。
// プッシュチャネルとポーリングの2系統をまとめて監督し、リコンサイラーが
// 統合した正準状態を読み取り専用スナップショットとして公開します。
package tracker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/yourusername/doc-remedy/internal/api"
	"github.com/yourusername/doc-remedy/internal/batch"
	"github.com/yourusername/doc-remedy/internal/stream"
)

// Health はトランスポート層の健全性です。正準バッチ状態とは独立に持ちます。
type Health struct {
	PushConnected           bool
	ConsecutivePollFailures int
	LastError               string
}

// Snapshot は描画側へ公開する読み取り専用ビューです。
type Snapshot struct {
	Batch     *batch.Batch
	Transport Health
}

// Options はトラッカーの構成です。
type Options struct {
	BaseURL string
	Token   string
	// PollInterval はプッシュ未接続時の標準ポーリング間隔です。
	PollInterval time.Duration
	// PushIdlePollInterval はプッシュ接続中の確認フェッチ間隔です。
	// プッシュ経路単体ではギャップがないことを証明できないため、
	// 接続中も低頻度のポーリングは止めません。
	PushIdlePollInterval time.Duration
	MaxPollFailures      int
	Logger               *log.Logger
}

// Tracker は1バッチの追跡セッションを所有します。
// 両トランスポートが同時に生きていても正しさはマージ規則の冪等性で
// 担保されるため、ここでは排他ではなく「間隔」だけを管理します。
type Tracker struct {
	opts   Options
	client *api.Client
	rec    *batch.Reconciler
	push   *stream.Client
	logger *log.Logger

	mu         sync.Mutex
	batchID    string
	health     Health
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	subs       []func(Snapshot)
}

// New はトラッカーを作成します。
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PushIdlePollInterval < opts.PollInterval {
		opts.PushIdlePollInterval = 10 * opts.PollInterval
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = 3
	}

	t := &Tracker{
		opts:   opts,
		client: api.NewClient(opts.BaseURL, opts.Token),
		rec:    batch.NewReconciler(logger),
		logger: logger,
	}
	t.push = stream.NewClient(opts.BaseURL, opts.Token, t.rec.ApplyEvent, t.setPushConnected, logger)

	// 統合が成功するたびにスナップショットを配り、終端に達したら
	// 両トランスポートを畳む。通知はストリーム側のゴルーチンから
	// 届くことがあるため、停止は別ゴルーチンで行う。
	t.rec.Subscribe(func() {
		t.publish()
		if current := t.rec.Current(); current != nil && current.Status.Terminal() {
			go t.stopTransports()
		}
	})
	return t
}

// Track はバッチの追跡を開始します。別バッチを追跡中だった場合は、
// タイマー停止とプッシュ切断を済ませてから新しい追跡を初期化します
// （バッチ間のイベント混入を防ぐ）。
func (t *Tracker) Track(ctx context.Context, batchID string) error {
	t.stopTransports()

	t.mu.Lock()
	t.batchID = batchID
	t.health = Health{}
	t.mu.Unlock()
	t.rec.Reset()

	// プッシュ接続は試みるが、成立を待たずにポーリングを開始する
	if err := t.push.Connect(ctx, batchID); err != nil {
		t.logger.Printf("tracker: push connect failed for batch %s, polling only: %v", batchID, err)
	}
	t.startPolling(ctx, batchID)
	return nil
}

// Stop は追跡を明示的に終了します。冪等です。
func (t *Tracker) Stop() {
	t.stopTransports()
}

// Cancel はバッチのキャンセルを実行します。サーバーへの要求はベスト
// エフォートで、失敗してもローカル状態は即時かつ不可逆に cancelled へ
// 遷移します。以後の遅延スナップショットは終端ロックで棄却されます。
func (t *Tracker) Cancel(ctx context.Context) {
	t.mu.Lock()
	batchID := t.batchID
	t.mu.Unlock()
	if batchID == "" {
		return
	}

	if err := t.client.CancelBatch(ctx, batchID); err != nil {
		// ユーザーに見せる意図（実行中表示の停止）は守られるため、
		// 失敗はログに留める
		t.logger.Printf("tracker: cancel request for batch %s failed: %v", batchID, err)
	}
	t.rec.ForceCancelled(batchID)
	t.stopTransports()
}

// Retry はフェッチ失敗上限で停止したポーリングを再開します。
// 失敗カウンターはゼロに戻ります。
func (t *Tracker) Retry(ctx context.Context) {
	t.mu.Lock()
	batchID := t.batchID
	t.health.ConsecutivePollFailures = 0
	t.health.LastError = ""
	t.mu.Unlock()
	if batchID == "" {
		return
	}
	if current := t.rec.Current(); current != nil && current.Status.Terminal() {
		return
	}
	t.startPolling(ctx, batchID)
}

// GetSnapshot は現在の正準状態とトランスポート健全性を返します。
// 返る値は常に統合完了後の内部整合なコピーです。
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	health := t.health
	t.mu.Unlock()
	return Snapshot{
		Batch:     t.rec.Current(),
		Transport: health,
	}
}

// Subscribe は統合が成功するたびに呼ばれるリスナーを登録します。
func (t *Tracker) Subscribe(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// startPolling はポーリングループを起動します。既存のループは停止します。
func (t *Tracker) startPolling(ctx context.Context, batchID string) {
	t.stopPolling()

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	t.pollCancel = cancel
	t.pollDone = done
	t.mu.Unlock()

	p := &poller{
		fetch: func(ctx context.Context) (*batch.Batch, error) {
			return t.client.FetchBatch(ctx, batchID)
		},
		interval:    t.pollInterval,
		maxFailures: t.opts.MaxPollFailures,
		onSnapshot: func(snapshot *batch.Batch) {
			t.mu.Lock()
			t.health.ConsecutivePollFailures = 0
			t.health.LastError = ""
			t.mu.Unlock()
			t.rec.ApplySnapshot(snapshot)
		},
		onFailure: func(consecutive int, err error) {
			t.mu.Lock()
			t.health.ConsecutivePollFailures = consecutive
			t.mu.Unlock()
		},
		onGiveUp: func(err error) {
			t.mu.Lock()
			t.health.LastError = err.Error()
			t.mu.Unlock()
			t.publish()
		},
		isTerminal: func() bool {
			current := t.rec.Current()
			return current != nil && current.Status.Terminal()
		},
		logger: t.logger,
	}
	go func() {
		defer close(done)
		p.run(pollCtx)
	}()
}

// pollInterval は現在のtickで使うポーリング間隔を返します。
// プッシュが生きている間は確認フェッチのみの長間隔、切れている間は
// 標準間隔です。強制的な降格遷移は存在しません。
func (t *Tracker) pollInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.health.PushConnected {
		return t.opts.PushIdlePollInterval
	}
	return t.opts.PollInterval
}

func (t *Tracker) setPushConnected(connected bool) {
	t.mu.Lock()
	changed := t.health.PushConnected != connected
	t.health.PushConnected = connected
	t.mu.Unlock()
	if changed {
		t.publish()
	}
}

func (t *Tracker) stopPolling() {
	t.mu.Lock()
	cancel := t.pollCancel
	done := t.pollDone
	t.pollCancel = nil
	t.pollDone = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) stopTransports() {
	t.stopPolling()
	t.push.Disconnect()
}

// publish は現在のスナップショットを購読者へ配ります。
func (t *Tracker) publish() {
	t.mu.Lock()
	subs := make([]func(Snapshot), len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	snapshot := t.GetSnapshot()
	for _, fn := range subs {
		fn(snapshot)
	}
}
