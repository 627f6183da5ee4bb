package batch

import (
	"log"
	"sync"
)

// Reconciler は正準バッチ状態の唯一の書き手です。
// ポーリング由来のフルスナップショットとプッシュ由来の差分イベントという、
// 独立したタイミングで到着する2系統の更新を、冪等かつ順序非依存な
// マージ規則で統合します。重複・順序逆転・欠落のいずれが起きても、
// 統合後の状態は §の不変条件（単調遷移、導出カウンター、終端ロック）を
// 満たし続けます。
type Reconciler struct {
	mu        sync.Mutex
	logger    *log.Logger
	batch     *Batch
	buffered  []bufferedEvent
	listeners []func()
}

// bufferedEvent は未知の jobId を参照したイベントの一時保留枠です。
// スナップショットより一瞬早く届いた差分を1サイクルだけ待たせます。
type bufferedEvent struct {
	ev   Event
	held bool // すでに1サイクル保留済みなら true
}

// NewReconciler はリコンサイラーを作成します。logger は nil でも構いません。
func NewReconciler(logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{logger: logger}
}

// Subscribe は統合が成功するたびに呼ばれるリスナーを登録します。
// リスナーはロック外で呼ばれるため、中から Current() を呼んで構いません。
func (r *Reconciler) Subscribe(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Current は正準状態のディープコピーを返します。未初期化なら nil です。
func (r *Reconciler) Current() *Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batch.Clone()
}

// Reset は別バッチの追跡を始める前に状態を破棄します。
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.batch = nil
	r.buffered = nil
	r.mu.Unlock()
}

// ApplySnapshot はフルスナップショットを統合します。
// スナップショットはサーバーの一貫した時点読み取りであるため原則全面的に
// 勝ちますが、ローカルで終端に達したジョブを逆行させることはできません。
// 終端ロック済みのバッチに対しては何もしません。同じスナップショットを
// 二度適用しても結果は変わりません。
func (r *Reconciler) ApplySnapshot(snapshot *Batch) {
	if snapshot == nil {
		return
	}
	r.mu.Lock()
	if r.batch != nil && r.batch.Status.Terminal() {
		r.logger.Printf("reconciler: snapshot rejected, batch %s already terminal (%s)", r.batch.BatchID, r.batch.Status)
		r.mu.Unlock()
		return
	}

	next := snapshot.Clone()
	if next.Status == "" {
		next.Status = BatchPending
	}
	if r.batch != nil {
		for i := range next.Jobs {
			j := r.batch.jobIndex(next.Jobs[i].JobID)
			if j < 0 {
				continue
			}
			local := r.batch.Jobs[j]
			if local.Status.rank() > next.Jobs[i].Status.rank() {
				// 古いポーリング応答が終端済みジョブを巻き戻すのを防ぐ
				next.Jobs[i].Status = local.Status
				next.Jobs[i].IssuesFixed = local.IssuesFixed
				next.Jobs[i].Error = local.Error
			}
		}
	}
	next.recompute()
	r.batch = next
	r.drainBufferLocked()
	r.notifyLocked()
}

// ApplyEvent は差分イベントを統合します。
// ジョブ状態を逆行させるイベントは棄却してログに残し、未知の jobId を
// 参照するイベントは1サイクルだけ保留します。終端ロック済みのバッチに
// 対しては何もしません。同じイベントの重複適用は無害です。
func (r *Reconciler) ApplyEvent(ev *Event) {
	if ev == nil || ev.Type == EventConnected {
		return
	}
	r.mu.Lock()
	if !ev.known() {
		r.logger.Printf("reconciler: ignoring unrecognized event type %q", ev.Type)
		r.mu.Unlock()
		return
	}
	if r.batch != nil && r.batch.Status.Terminal() {
		r.logger.Printf("reconciler: event %s rejected, batch %s already terminal (%s)", ev.Type, r.batch.BatchID, r.batch.Status)
		r.mu.Unlock()
		return
	}

	if !r.applyEventLocked(ev, true) {
		r.mu.Unlock()
		return
	}
	r.batch.recompute()
	if ev.Type == EventBatchCompleted && ev.Summary != nil {
		// バッチ終端のサマリーはサーバー側の会計が正となる
		r.batch.Summary = *ev.Summary
	}
	r.drainBufferLocked()
	r.notifyLocked()
}

// ForceCancelled はキャンセル操作によるローカル終端遷移です。
// サーバーの応答を待たずに即時かつ不可逆に cancelled へ移行し、以後の
// スナップショット／イベントは終端ロックで弾かれます。
func (r *Reconciler) ForceCancelled(batchID string) {
	r.mu.Lock()
	if r.batch == nil {
		r.batch = &Batch{BatchID: batchID, Status: BatchCancelled, Jobs: []Job{}}
	} else if r.batch.Status.Terminal() {
		r.mu.Unlock()
		return
	} else {
		r.batch.Status = BatchCancelled
	}
	r.buffered = nil
	r.notifyLocked()
}

// applyEventLocked は1イベント分の差分を適用します。適用できた場合のみ
// true を返します。allowBuffer が true のとき、未知の jobId は保留枠に
// 積みます（保留イベントの再適用時は false にして再保留を防ぎます）。
func (r *Reconciler) applyEventLocked(ev *Event, allowBuffer bool) bool {
	if ev.Type == EventBatchCompleted {
		if r.batch == nil {
			r.logger.Printf("reconciler: batch_completed before any snapshot, dropping")
			return false
		}
		// サーバーはローカルのジョブ状態が未完に見えても権威的に終端を宣言できる
		status := BatchCompleted
		if s := BatchState(ev.Status); s.Terminal() {
			status = s
		}
		r.batch.Status = status
		return true
	}

	if ev.JobID == "" {
		r.logger.Printf("reconciler: event %s missing jobId, dropping", ev.Type)
		return false
	}
	if r.batch == nil || r.batch.jobIndex(ev.JobID) < 0 {
		if allowBuffer {
			r.buffered = append(r.buffered, bufferedEvent{ev: *ev})
		}
		return false
	}

	idx := r.batch.jobIndex(ev.JobID)
	job := &r.batch.Jobs[idx]

	var target JobState
	switch ev.Type {
	case EventJobStarted:
		target = JobProcessing
	case EventJobCompleted:
		target = JobCompleted
	case EventJobFailed:
		target = JobFailed
	}

	if target.rank() < job.Status.rank() {
		r.logger.Printf("reconciler: event %s would move job %s backward (%s -> %s), dropping", ev.Type, ev.JobID, job.Status, target)
		return false
	}
	if target.rank() == job.Status.rank() && target != job.Status {
		// completed と failed が競合した場合は先着を維持する
		r.logger.Printf("reconciler: conflicting terminal event %s for job %s (already %s), dropping", ev.Type, ev.JobID, job.Status)
		return false
	}

	job.Status = target
	switch ev.Type {
	case EventJobCompleted:
		if ev.IssuesFixed >= 0 {
			job.IssuesFixed = ev.IssuesFixed
		}
	case EventJobFailed:
		if ev.Error != "" {
			job.Error = ev.Error
		}
	}
	if r.batch.Status == BatchPending {
		r.batch.Status = BatchProcessing
	}
	return true
}

// drainBufferLocked は保留イベントを1サイクル分だけ再適用します。
// 今回も解決できなかったイベントのうち、既に1サイクル保留済みのものは
// 破棄します（スナップショット到着より僅かに早い差分だけを救済する）。
func (r *Reconciler) drainBufferLocked() {
	if len(r.buffered) == 0 {
		return
	}
	kept := r.buffered[:0]
	for _, entry := range r.buffered {
		if r.applyEventLocked(&entry.ev, false) {
			r.batch.recompute()
			continue
		}
		if entry.held {
			r.logger.Printf("reconciler: dropping buffered event %s for unknown job %s", entry.ev.Type, entry.ev.JobID)
			continue
		}
		entry.held = true
		kept = append(kept, entry)
	}
	r.buffered = kept
}

// notifyLocked はロックを解放してからリスナーへ通知します。
// 読者が観測するのは常に統合完了後の内部整合な状態です。
func (r *Reconciler) notifyLocked() {
	listeners := make([]func(), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}
