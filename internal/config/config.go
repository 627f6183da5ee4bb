// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
// オーケストレーターAPIサーバー（cmd/api）とトラッカーCLI（cmd/track）で共有します。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 認証設定
	APIToken string // REST/プッシュチャネル共通のベアラートークン

	// ジョブ/キュー設定
	QueueRedisURL      string // Asynq・バッチストア用Redis接続URL
	BatchExpireMinutes int    // バッチレコードの有効期限（分）
	JobStageMillis     int    // 修復ジョブ1ステージあたりの模擬処理時間（ミリ秒）

	// クライアント（進捗同期）設定
	APIBaseURL             string // トラッカーが接続するAPIベースURL
	PollIntervalMillis     int    // プッシュ切断時のポーリング間隔（ミリ秒）
	PushIdlePollIntervalMs int    // プッシュ接続中の確認ポーリング間隔（ミリ秒）
	MaxPollFailures        int    // ポーリング連続失敗の上限
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// 認証設定
		APIToken: getEnv("API_TOKEN", ""),

		// ジョブ/キュー設定
		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		BatchExpireMinutes: getEnvAsInt("BATCH_EXPIRE_MINUTES", 60),
		JobStageMillis:     getEnvAsInt("JOB_STAGE_MS", 500),

		// クライアント設定
		APIBaseURL:             getEnv("API_BASE_URL", "http://localhost:8080"),
		PollIntervalMillis:     getEnvAsInt("POLL_INTERVAL_MS", 3000),
		PushIdlePollIntervalMs: getEnvAsInt("PUSH_IDLE_POLL_INTERVAL_MS", 30000),
		MaxPollFailures:        getEnvAsInt("MAX_POLL_FAILURES", 3),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発ではトークンは任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.APIToken == "" {
			return fmt.Errorf("API_TOKEN is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}
	if c.PollIntervalMillis <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if c.PushIdlePollIntervalMs < c.PollIntervalMillis {
		return fmt.Errorf("PUSH_IDLE_POLL_INTERVAL_MS must not be shorter than POLL_INTERVAL_MS")
	}
	if c.MaxPollFailures <= 0 {
		return fmt.Errorf("MAX_POLL_FAILURES must be positive")
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
