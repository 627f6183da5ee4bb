package main

import (
	"context"
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/doc-remedy/internal/config"
	"github.com/yourusername/doc-remedy/internal/jobs"
)

// batchService はハンドラーが必要とするバッチ操作の抽象です。
type batchService interface {
	CreateBatch(ctx context.Context, fileNames []string) (*jobs.BatchRecord, error)
	GetRecord(ctx context.Context, batchID string) (*jobs.BatchRecord, error)
	CancelBatch(ctx context.Context, batchID string) error
}

// eventSubscriber はプッシュチャネル配信用のイベント購読の抽象です。
// 返すチャネルにはイベントエンベロープのJSON文字列が流れます。
type eventSubscriber interface {
	Subscribe(ctx context.Context, batchID string) (<-chan string, func(), error)
}

func setupJobs(cfg *config.Config) (*jobs.Manager, *jobs.Store, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, nil, err
	}

	redisClient := redis.NewClient(opt)
	ttlMinutes := cfg.BatchExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)
	manager, err := jobs.NewManager(cfg, store, log.Default())
	if err != nil {
		return nil, nil, err
	}
	return manager, store, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager *jobs.Manager, store *jobs.Store) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	api.Use(requireToken(cfg.APIToken))
	{
		api.POST("/batches", batchCreateHandler(manager, cfg))
		api.GET("/batches/:id", batchStatusHandler(manager, cfg))
		api.POST("/batches/:id/cancel", batchCancelHandler(manager))
		api.GET("/batches/:id/events", batchEventsHandler(manager, &storeSubscriber{store: store}))
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "doc-remedy-api",
		"version": "0.1.0",
	})
}

// requireToken はベアラートークン認証のミドルウェアです。
// プッシュチャネルはカスタムヘッダーを送れないため、Authorization ヘッダーに
// 加えて token クエリパラメーターも受け付けます。
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// ローカル開発ではトークン未設定を許容する
		if token == "" {
			c.Next()
			return
		}

		presented := c.Query("token")
		if presented == "" {
			header := c.GetHeader("Authorization")
			presented = strings.TrimPrefix(header, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "INVALID_TOKEN",
				"message": "認証トークンが正しくありません。",
			})
			return
		}
		c.Next()
	}
}

type createBatchRequest struct {
	Files []string `json:"files" binding:"required,min=1"`
}

func batchCreateHandler(svc batchService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "files を1件以上含むJSONを送ってください。",
			})
			return
		}

		record, err := svc.CreateBatch(c.Request.Context(), req.Files)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "バッチの作成に失敗しました。",
			})
			return
		}
		c.JSON(http.StatusAccepted, batchPayload(record, cfg))
	}
}

func batchStatusHandler(svc batchService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("id")
		if strings.TrimSpace(batchID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "batchId を指定してください。",
			})
			return
		}

		record, err := svc.GetRecord(c.Request.Context(), batchID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "バッチ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "BATCH_NOT_FOUND",
				"message": "指定されたバッチは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, batchPayload(record, cfg))
	}
}

func batchCancelHandler(svc batchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("id")
		if strings.TrimSpace(batchID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "batchId を指定してください。",
			})
			return
		}

		record, err := svc.GetRecord(c.Request.Context(), batchID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "バッチ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "BATCH_NOT_FOUND",
				"message": "指定されたバッチは存在しません。",
			})
			return
		}

		if err := svc.CancelBatch(c.Request.Context(), batchID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "バッチのキャンセルに失敗しました。",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"batchId": batchID,
			"status":  string(jobs.BatchCancelled),
		})
	}
}

// batchEventsHandler はプッシュチャネル（SSE）のハンドラーです。
// 接続直後に状態を運ばないハンドシェイクを送り、以後はバッチの
// イベントチャネルをそのまま流します。
func batchEventsHandler(svc batchService, subs eventSubscriber) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("id")
		record, err := svc.GetRecord(c.Request.Context(), batchID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "バッチ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "BATCH_NOT_FOUND",
				"message": "指定されたバッチは存在しません。",
			})
			return
		}

		events, closeFn, err := subs.Subscribe(c.Request.Context(), batchID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "イベントチャネルの購読に失敗しました。",
			})
			return
		}
		defer closeFn()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// 状態を運ばないハンドシェイクを最初に送る
		_ = sse.Encode(c.Writer, sse.Event{Data: `{"type":"connected"}`})
		c.Writer.Flush()

		for {
			select {
			case <-c.Request.Context().Done():
				return
			case payload, ok := <-events:
				if !ok {
					return
				}
				_ = sse.Encode(c.Writer, sse.Event{Data: payload})
				c.Writer.Flush()
			}
		}
	}
}

// storeSubscriber は jobs.Store の pub/sub を eventSubscriber に適合させます。
type storeSubscriber struct {
	store *jobs.Store
}

func (s *storeSubscriber) Subscribe(ctx context.Context, batchID string) (<-chan string, func(), error) {
	pubsub := s.store.SubscribeEvents(ctx, batchID)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = pubsub.Close() }, nil
}

// batchPayload はバッチレコードをAPI応答の形へ整形します。
// カウンターとサマリーはレコード走査から導出します。
func batchPayload(record *jobs.BatchRecord, cfg *config.Config) gin.H {
	completed, failed, fixed := record.Counts()

	jobsPayload := make([]gin.H, 0, len(record.Jobs))
	remaining := 0
	for i := range record.Jobs {
		job := record.Jobs[i]
		entry := gin.H{
			"jobId":    job.JobID,
			"fileName": job.FileName,
			"status":   string(job.Status),
		}
		if job.Status == jobs.JobCompleted {
			entry["issuesFixed"] = job.IssuesFixed
		}
		if job.Status == jobs.JobFailed {
			entry["error"] = job.Error
		}
		if job.Status == jobs.JobPending || job.Status == jobs.JobProcessing {
			remaining++
		}
		jobsPayload = append(jobsPayload, entry)
	}

	successRate := 0.0
	if len(record.Jobs) > 0 {
		successRate = float64(completed) / float64(len(record.Jobs))
	}

	payload := gin.H{
		"batchId":       record.BatchID,
		"status":        string(record.Status),
		"totalJobs":     len(record.Jobs),
		"completedJobs": completed,
		"failedJobs":    failed,
		"jobs":          jobsPayload,
		"summary": gin.H{
			"totalIssuesFixed": fixed,
			"successRate":      successRate,
		},
		"updatedAt": record.UpdatedAt,
	}
	if !record.Status.Terminal() {
		stageMs := cfg.JobStageMillis
		if stageMs <= 0 {
			stageMs = 500
		}
		payload["estimatedTimeRemaining"] = remaining * 3 * stageMs / 1000
		payload["currentJobIndex"] = record.CurrentJobIndex
	}
	return payload
}
