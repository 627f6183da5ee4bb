package tracker

import (
	"context"
	"log"
	"time"

	"github.com/yourusername/doc-remedy/internal/batch"
)

// poller はステータスフェッチを一定間隔で繰り返すポーリングループです。
// 間隔は毎tick問い合わせるため、プッシュ接続の健全性に応じた切り替えが
// 次のtickまでに必ず反映されます。リトライ上限と終端状態での自動停止を
// 自前で持ち、フェッチそのものは1回ずつ fetch に委ねます。
type poller struct {
	fetch       func(ctx context.Context) (*batch.Batch, error)
	interval    func() time.Duration
	maxFailures int
	onSnapshot  func(*batch.Batch)
	onFailure   func(consecutive int, err error)
	onGiveUp    func(err error)
	isTerminal  func() bool
	logger      *log.Logger
}

// run はポーリングループ本体です。呼び出し側のゴルーチンで回します。
// 初回は即時にフェッチします（プッシュ接続の成立を待って初期表示を
// 止めないため）。終端状態に達するか、連続失敗が上限に達するか、
// ctx が取り消されるまで回り続けます。
func (p *poller) run(ctx context.Context) {
	failures := 0
	for {
		snapshot, err := p.fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			p.logger.Printf("poller: fetch failed (%d/%d): %v", failures, p.maxFailures, err)
			if p.onFailure != nil {
				p.onFailure(failures, err)
			}
			if failures >= p.maxFailures {
				// 正準状態には触れず、クライアント側エラーとして報告する
				p.logger.Printf("poller: giving up after %d consecutive failures", failures)
				if p.onGiveUp != nil {
					p.onGiveUp(err)
				}
				return
			}
		} else {
			failures = 0
			if p.onSnapshot != nil {
				p.onSnapshot(snapshot)
			}
			if p.isTerminal != nil && p.isTerminal() {
				// 正常終了時は外部からの停止を待たない
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval()):
		}
	}
}
