// Package batch は修復バッチの進捗状態モデルと、スナップショット／差分イベントを
// 正準状態へ統合するリコンサイラーを提供します。
package batch

// JobState はジョブの実行状態を表します。
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal はジョブが終端状態に到達したかどうかを返します。
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// rank は状態遷移の単調性チェックに使う序数です。
// pending → processing → {completed | failed} の逆行を禁止します。
func (s JobState) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobProcessing:
		return 1
	case JobCompleted, JobFailed:
		return 2
	default:
		return -1
	}
}

// BatchState はバッチ全体の実行状態を表します。
type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
	BatchCancelled  BatchState = "cancelled"
)

// Terminal はバッチが終端状態に到達したかどうかを返します。
// 終端に達したバッチはいかなるトランスポートからの更新も受け付けません。
func (s BatchState) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// Job はバッチ内の1ファイル分の修復ジョブ状態です。
type Job struct {
	JobID       string   `json:"jobId"`
	FileName    string   `json:"fileName"`
	Status      JobState `json:"status"`
	IssuesFixed int      `json:"issuesFixed,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Summary はバッチの集計サマリーです。完了ジョブから導出されます。
type Summary struct {
	TotalIssuesFixed int     `json:"totalIssuesFixed"`
	SuccessRate      float64 `json:"successRate"`
}

// Batch は追跡対象バッチの正準状態です。
// CompletedJobs / FailedJobs / Summary は常に Jobs の走査から再計算される
// 導出値であり、サーバー送信値をそのまま信用することはありません。
type Batch struct {
	BatchID       string     `json:"batchId"`
	Status        BatchState `json:"status"`
	TotalJobs     int        `json:"totalJobs"`
	CompletedJobs int        `json:"completedJobs"`
	FailedJobs    int        `json:"failedJobs"`
	Jobs          []Job      `json:"jobs"`
	Summary       Summary    `json:"summary"`

	// EstimatedTimeRemaining は残り秒数の参考値です。制御判断には使いません。
	EstimatedTimeRemaining *int `json:"estimatedTimeRemaining,omitempty"`
	// CurrentJobIndex はUI強調表示用の現在ジョブ位置です。
	CurrentJobIndex *int `json:"currentJobIndex,omitempty"`
}

// Clone はバッチ状態のディープコピーを返します。
// 読み取り側に内部スライスを共有させないために使います。
func (b *Batch) Clone() *Batch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Jobs = make([]Job, len(b.Jobs))
	copy(clone.Jobs, b.Jobs)
	if b.EstimatedTimeRemaining != nil {
		v := *b.EstimatedTimeRemaining
		clone.EstimatedTimeRemaining = &v
	}
	if b.CurrentJobIndex != nil {
		v := *b.CurrentJobIndex
		clone.CurrentJobIndex = &v
	}
	return &clone
}

// jobIndex は jobId からジョブ位置を引きます。見つからない場合は -1 を返します。
func (b *Batch) jobIndex(jobID string) int {
	for i := range b.Jobs {
		if b.Jobs[i].JobID == jobID {
			return i
		}
	}
	return -1
}

// recompute は Jobs の走査で導出フィールドを再計算します。
// ペイロード側のカウンターと食い違う場合は常に走査結果が勝ちます。
func (b *Batch) recompute() {
	completed := 0
	failed := 0
	fixed := 0
	for i := range b.Jobs {
		switch b.Jobs[i].Status {
		case JobCompleted:
			completed++
			fixed += b.Jobs[i].IssuesFixed
		case JobFailed:
			failed++
		}
	}
	b.CompletedJobs = completed
	b.FailedJobs = failed
	if b.TotalJobs < len(b.Jobs) {
		b.TotalJobs = len(b.Jobs)
	}
	b.Summary.TotalIssuesFixed = fixed
	if b.TotalJobs > 0 {
		b.Summary.SuccessRate = float64(completed) / float64(b.TotalJobs)
	} else {
		b.Summary.SuccessRate = 0
	}
}
