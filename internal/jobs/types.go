// Package jobs はバッチオーケストレーターのジョブ状態管理を提供します。
// バッチレコードのRedis永続化、Asynqによる修復ジョブの実行、
// プッシュチャネル向けイベントの発行を担います。
package jobs

import "time"

// JobStatus はジョブの実行状態を表します。
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// BatchStatus はバッチ全体の実行状態を表します。
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Terminal はバッチが終端状態かどうかを返します。
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// JobRecord は1ファイル分の修復ジョブの現在状態です。
type JobRecord struct {
	JobID       string    `json:"jobId"`
	FileName    string    `json:"fileName"`
	Status      JobStatus `json:"status"`
	IssuesFixed int       `json:"issuesFixed,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// BatchRecord はバッチの現在状態です。
type BatchRecord struct {
	BatchID         string      `json:"batchId"`
	Status          BatchStatus `json:"status"`
	Jobs            []JobRecord `json:"jobs"`
	CurrentJobIndex int         `json:"currentJobIndex"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	ExpiresAt       time.Time   `json:"expiresAt"`
}

// Counts は完了／失敗ジョブ数と修正件数合計を走査で数えます。
func (b *BatchRecord) Counts() (completed, failed, issuesFixed int) {
	for i := range b.Jobs {
		switch b.Jobs[i].Status {
		case JobCompleted:
			completed++
			issuesFixed += b.Jobs[i].IssuesFixed
		case JobFailed:
			failed++
		}
	}
	return completed, failed, issuesFixed
}

// allTerminal は全ジョブが終端状態かどうかを返します。
func (b *BatchRecord) allTerminal() bool {
	for i := range b.Jobs {
		if b.Jobs[i].Status != JobCompleted && b.Jobs[i].Status != JobFailed {
			return false
		}
	}
	return len(b.Jobs) > 0
}

// EventSummary はバッチ終端イベントに載せる集計サマリーです。
type EventSummary struct {
	TotalIssuesFixed int     `json:"totalIssuesFixed"`
	SuccessRate      float64 `json:"successRate"`
}

// Event はプッシュチャネルへ流すイベントエンベロープです。
type Event struct {
	Type        string        `json:"type"`
	JobID       string        `json:"jobId,omitempty"`
	IssuesFixed int           `json:"issuesFixed,omitempty"`
	Error       string        `json:"error,omitempty"`
	Status      string        `json:"status,omitempty"`
	Summary     *EventSummary `json:"summary,omitempty"`
}

// プッシュチャネルのイベント種別です。
const (
	EventConnected      = "connected"
	EventJobStarted     = "job_started"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventBatchCompleted = "batch_completed"
)
