package batch

import (
	"encoding/json"
	"fmt"
)

// ParseSnapshot はサーバーのバッチスナップショットJSONを解析します。
// サーバー側のフィールド命名は camelCase と snake_case の両方が流通しているため、
// 解析境界で両対応のフォールバックを行います。省略可能フィールドの欠落では失敗
// せず、安全なデフォルト（空のジョブ一覧、ゼロカウント）で補います。
func ParseSnapshot(data []byte) (*Batch, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse batch snapshot: %w", err)
	}

	b := &Batch{
		BatchID: pickString(raw, "batchId", "batch_id"),
		Status:  BatchState(pickString(raw, "status")),
	}
	if b.BatchID == "" {
		return nil, fmt.Errorf("batch snapshot missing batchId")
	}
	if b.Status == "" {
		b.Status = BatchPending
	}

	b.TotalJobs = pickInt(raw, "totalJobs", "total_jobs")
	b.CompletedJobs = pickInt(raw, "completedJobs", "completed_jobs")
	b.FailedJobs = pickInt(raw, "failedJobs", "failed_jobs")

	b.Jobs = parseJobs(raw)

	if msg := pick(raw, "summary"); msg != nil {
		b.Summary = parseSummary(msg)
	}
	if v, ok := pickOptionalInt(raw, "estimatedTimeRemaining", "estimated_time_remaining"); ok {
		b.EstimatedTimeRemaining = &v
	}
	if v, ok := pickOptionalInt(raw, "currentJobIndex", "current_job_index"); ok {
		b.CurrentJobIndex = &v
	}

	return b, nil
}

func parseJobs(raw map[string]json.RawMessage) []Job {
	msg := pick(raw, "jobs")
	if msg == nil {
		return []Job{}
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(msg, &entries); err != nil {
		return []Job{}
	}
	jobs := make([]Job, 0, len(entries))
	for _, entry := range entries {
		job := Job{
			JobID:       pickString(entry, "jobId", "job_id"),
			FileName:    pickString(entry, "fileName", "file_name"),
			Status:      JobState(pickString(entry, "status")),
			IssuesFixed: pickInt(entry, "issuesFixed", "issues_fixed"),
			Error:       pickString(entry, "error"),
		}
		if job.JobID == "" {
			continue
		}
		if job.Status == "" {
			job.Status = JobPending
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func parseSummary(msg json.RawMessage) Summary {
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(msg, &entry); err != nil {
		return Summary{}
	}
	return Summary{
		TotalIssuesFixed: pickInt(entry, "totalIssuesFixed", "total_issues_fixed"),
		SuccessRate:      pickFloat(entry, "successRate", "success_rate"),
	}
}

// pick は候補キーを順に引き、最初に存在した値を返します。
func pick(raw map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, key := range keys {
		if msg, ok := raw[key]; ok && string(msg) != "null" {
			return msg
		}
	}
	return nil
}

func pickString(raw map[string]json.RawMessage, keys ...string) string {
	msg := pick(raw, keys...)
	if msg == nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(msg, &v); err != nil {
		return ""
	}
	return v
}

func pickInt(raw map[string]json.RawMessage, keys ...string) int {
	v, _ := pickOptionalInt(raw, keys...)
	return v
}

func pickOptionalInt(raw map[string]json.RawMessage, keys ...string) (int, bool) {
	msg := pick(raw, keys...)
	if msg == nil {
		return 0, false
	}
	var v int
	if err := json.Unmarshal(msg, &v); err != nil {
		return 0, false
	}
	if v < 0 {
		return 0, false
	}
	return v, true
}

func pickFloat(raw map[string]json.RawMessage, keys ...string) float64 {
	msg := pick(raw, keys...)
	if msg == nil {
		return 0
	}
	var v float64
	if err := json.Unmarshal(msg, &v); err != nil {
		return 0
	}
	return v
}
