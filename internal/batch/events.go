package batch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// プッシュチャネルで配送されるイベント種別です。
// 未知の種別は前方互換のためログの上で無視します。
const (
	EventConnected      = "connected"
	EventJobStarted     = "job_started"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventBatchCompleted = "batch_completed"
)

// Event はプッシュチャネルのイベントエンベロープです。
// 1イベントは高々1ジョブ分の差分と、バッチ終端時のサマリーのみを運びます。
type Event struct {
	Type        string   `json:"type"`
	JobID       string   `json:"jobId,omitempty"`
	IssuesFixed int      `json:"issuesFixed,omitempty"`
	Error       string   `json:"error,omitempty"`
	Status      string   `json:"status,omitempty"`
	Summary     *Summary `json:"summary,omitempty"`
}

// ParseEvent はイベントエンベロープのJSONを解析します。
// 解析不能なペイロードはエラーとして返し、呼び出し側でログの上破棄します。
func ParseEvent(data []byte) (*Event, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("empty event payload")
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event envelope missing type")
	}
	return &ev, nil
}

// known は差分として統合対象になる種別かどうかを返します。
func (e *Event) known() bool {
	switch e.Type {
	case EventJobStarted, EventJobCompleted, EventJobFailed, EventBatchCompleted:
		return true
	}
	return false
}
