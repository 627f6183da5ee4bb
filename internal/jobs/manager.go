package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/yourusername/doc-remedy/internal/config"
)

const (
	taskTypeRemediate = "document:remediate"
	queueRemediate    = "remediate"

	// 修復パイプラインのステージ数（解析→修正→検証）
	remediationStages = 3
)

// Manager はバッチの投入と修復ジョブの実行を担います。
// 1バッチは1タスクとして直列に処理し、ジョブごとの遷移を永続化した上で
// 対応する差分イベントをプッシュチャネルへ発行します。
type Manager struct {
	cfg    *config.Config
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger *log.Logger
}

// TaskPayload は修復バッチタスクのペイロードです。
type TaskPayload struct {
	BatchID string `json:"batchId"`
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, store *Store, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.QueueRedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				queueRemediate: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:    cfg,
		client: client,
		server: server,
		mux:    mux,
		store:  store,
		logger: logger,
	}
	mux.HandleFunc(taskTypeRemediate, manager.handleRemediateTask)
	return manager, nil
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// CreateBatch はファイル名の一覧からバッチを作成し、キューへ投入します。
func (m *Manager) CreateBatch(ctx context.Context, fileNames []string) (*BatchRecord, error) {
	if len(fileNames) == 0 {
		return nil, fmt.Errorf("at least one file is required")
	}

	record := &BatchRecord{
		BatchID: uuid.NewString(),
		Status:  BatchPending,
		Jobs:    make([]JobRecord, 0, len(fileNames)),
	}
	for _, name := range fileNames {
		record.Jobs = append(record.Jobs, JobRecord{
			JobID:    uuid.NewString(),
			FileName: name,
			Status:   JobPending,
		})
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return nil, err
	}

	body, err := json.Marshal(&TaskPayload{BatchID: record.BatchID})
	if err != nil {
		return nil, err
	}
	task := asynq.NewTask(taskTypeRemediate, body, asynq.Queue(queueRemediate))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(1)); err != nil {
		return nil, err
	}
	return record, nil
}

// GetRecord はバッチ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, batchID string) (*BatchRecord, error) {
	return m.store.Get(ctx, batchID)
}

// CancelBatch はバッチを終端状態 cancelled へ遷移させます。
// 既に終端のバッチには何もしません。実行中ジョブはジョブ境界で打ち切られます。
func (m *Manager) CancelBatch(ctx context.Context, batchID string) error {
	_, err := m.store.Update(ctx, batchID, func(record *BatchRecord) {
		if record.Status.Terminal() {
			return
		}
		record.Status = BatchCancelled
	})
	return err
}

// handleRemediateTask はバッチ内のジョブを順に処理します。
func (m *Manager) handleRemediateTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.BatchID == "" {
		return fmt.Errorf("missing batchId in payload")
	}

	record, err := m.store.Get(ctx, payload.BatchID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("batch not found: %s", payload.BatchID)
	}

	for i := range record.Jobs {
		// ジョブ境界ごとにキャンセルを観測する
		current, err := m.store.Get(ctx, payload.BatchID)
		if err != nil {
			return err
		}
		if current == nil || current.Status == BatchCancelled {
			m.logger.Printf("batch %s cancelled, stopping at job %d", payload.BatchID, i)
			return nil
		}

		jobID := record.Jobs[i].JobID
		if err := m.startJob(ctx, payload.BatchID, jobID, i); err != nil {
			return err
		}
		if err := m.runJob(ctx, payload.BatchID, record.Jobs[i]); err != nil {
			return err
		}
	}

	return m.finishBatch(ctx, payload.BatchID)
}

// startJob はジョブを processing へ遷移させ job_started を発行します。
func (m *Manager) startJob(ctx context.Context, batchID, jobID string, index int) error {
	_, err := m.store.Update(ctx, batchID, func(record *BatchRecord) {
		if record.Status == BatchPending {
			record.Status = BatchProcessing
		}
		record.CurrentJobIndex = index
		for j := range record.Jobs {
			if record.Jobs[j].JobID == jobID {
				record.Jobs[j].Status = JobProcessing
			}
		}
	})
	if err != nil {
		return err
	}
	return m.publish(ctx, batchID, &Event{Type: EventJobStarted, JobID: jobID})
}

// runJob は1ジョブ分の修復処理を実行し、終端遷移とイベント発行を行います。
// 実際の修正計算はこのサブシステムの範囲外のため、ステージ進行を模擬します。
func (m *Manager) runJob(ctx context.Context, batchID string, job JobRecord) error {
	stage := time.Duration(m.cfg.JobStageMillis) * time.Millisecond
	for s := 0; s < remediationStages; s++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(stage):
		}
	}

	if failure := simulatedFailure(job.FileName); failure != "" {
		_, err := m.store.Update(ctx, batchID, func(record *BatchRecord) {
			for j := range record.Jobs {
				if record.Jobs[j].JobID == job.JobID {
					record.Jobs[j].Status = JobFailed
					record.Jobs[j].Error = failure
				}
			}
		})
		if err != nil {
			return err
		}
		return m.publish(ctx, batchID, &Event{Type: EventJobFailed, JobID: job.JobID, Error: failure})
	}

	fixed := simulatedIssueCount(job.FileName)
	_, err := m.store.Update(ctx, batchID, func(record *BatchRecord) {
		for j := range record.Jobs {
			if record.Jobs[j].JobID == job.JobID {
				record.Jobs[j].Status = JobCompleted
				record.Jobs[j].IssuesFixed = fixed
			}
		}
	})
	if err != nil {
		return err
	}
	return m.publish(ctx, batchID, &Event{Type: EventJobCompleted, JobID: job.JobID, IssuesFixed: fixed})
}

// finishBatch は全ジョブ終端後のバッチ終端遷移と batch_completed の発行です。
// バッチレベルの締めはサーバーだけが権威的に宣言します。
func (m *Manager) finishBatch(ctx context.Context, batchID string) error {
	var status BatchStatus
	var summary EventSummary
	record, err := m.store.Update(ctx, batchID, func(record *BatchRecord) {
		if record.Status.Terminal() || !record.allTerminal() {
			return
		}
		completed, failed, fixed := record.Counts()
		if failed > 0 && completed == 0 {
			record.Status = BatchFailed
		} else {
			record.Status = BatchCompleted
		}
		summary = EventSummary{
			TotalIssuesFixed: fixed,
		}
		if len(record.Jobs) > 0 {
			summary.SuccessRate = float64(completed) / float64(len(record.Jobs))
		}
		status = record.Status
	})
	if err != nil {
		return err
	}
	if status == "" || record == nil {
		return nil
	}
	return m.publish(ctx, batchID, &Event{
		Type:    EventBatchCompleted,
		Status:  string(status),
		Summary: &summary,
	})
}

func (m *Manager) publish(ctx context.Context, batchID string, event *Event) error {
	if err := m.store.PublishEvent(ctx, batchID, event); err != nil {
		// 購読者がいない場合も配信自体は成功するため、ここに来るのは
		// Redis障害のみ。ポーリング側で回復できるのでログに留める。
		m.logger.Printf("failed to publish %s event for batch %s: %v", event.Type, batchID, err)
	}
	return nil
}

// simulatedFailure はファイル名から決定的に失敗を演出します。
func simulatedFailure(fileName string) string {
	if strings.Contains(strings.ToLower(fileName), "corrupt") {
		return "document structure is unreadable"
	}
	return ""
}

// simulatedIssueCount はファイル名から決定的な修正件数を導きます。
func simulatedIssueCount(fileName string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fileName))
	return int(h.Sum32()%9) + 1
}
