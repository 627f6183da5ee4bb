// Package main はバッチ進捗を追跡するCLIのエントリーポイントです。
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourusername/doc-remedy/internal/api"
	"github.com/yourusername/doc-remedy/internal/config"
	"github.com/yourusername/doc-remedy/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cmdRoot := &cobra.Command{
		Use:   "track",
		Short: "doc-remedy batch progress tracker",
		Long:  "修復バッチの進捗をプッシュチャネルとポーリングで追跡して表示します",
	}
	cmdRoot.PersistentFlags().String("base-url", cfg.APIBaseURL, "orchestrator API base URL")
	cmdRoot.PersistentFlags().String("token", cfg.APIToken, "API bearer token")
	cmdRoot.PersistentFlags().Int("poll-ms", cfg.PollIntervalMillis, "poll interval while push is down (ms)")
	cmdRoot.PersistentFlags().Int("idle-poll-ms", cfg.PushIdlePollIntervalMs, "confirmation poll interval while push is up (ms)")
	cmdRoot.PersistentFlags().Int("max-failures", cfg.MaxPollFailures, "consecutive poll failures before giving up")

	cmdRoot.AddCommand(cmdWatch())
	cmdRoot.AddCommand(cmdSubmit())

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}

func cmdWatch() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <batchId>",
		Short: "既存バッチの進捗を追跡する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTracking(cmd, args[0])
		},
	}
}

func cmdSubmit() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <file>...",
		Short: "修復バッチを投入して進捗を追跡する",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("base-url")
			token, _ := cmd.Flags().GetString("token")
			client := api.NewClient(baseURL, token)

			submitted, err := client.CreateBatch(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("failed to submit batch: %w", err)
			}
			fmt.Printf("batch %s submitted (%d jobs)\n", submitted.BatchID, submitted.TotalJobs)
			return runTracking(cmd, submitted.BatchID)
		},
	}
}

// runTracking はトラッカーを起動し、統合のたびに1行ずつ進捗を表示します。
// SIGINT でキャンセルを発行し、終端状態または追跡エラーで抜けます。
func runTracking(cmd *cobra.Command, batchID string) error {
	baseURL, _ := cmd.Flags().GetString("base-url")
	token, _ := cmd.Flags().GetString("token")
	pollMs, _ := cmd.Flags().GetInt("poll-ms")
	idlePollMs, _ := cmd.Flags().GetInt("idle-poll-ms")
	maxFailures, _ := cmd.Flags().GetInt("max-failures")

	t := tracker.New(tracker.Options{
		BaseURL:              baseURL,
		Token:                token,
		PollInterval:         time.Duration(pollMs) * time.Millisecond,
		PushIdlePollInterval: time.Duration(idlePollMs) * time.Millisecond,
		MaxPollFailures:      maxFailures,
		Logger:               log.Default(),
	})

	done := make(chan tracker.Snapshot, 1)
	t.Subscribe(func(snapshot tracker.Snapshot) {
		printSnapshot(snapshot)
		if snapshot.Batch != nil && snapshot.Batch.Status.Terminal() {
			select {
			case done <- snapshot:
			default:
			}
			return
		}
		if snapshot.Transport.LastError != "" {
			select {
			case done <- snapshot:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := t.Track(ctx, batchID); err != nil {
		return err
	}
	defer t.Stop()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for {
		select {
		case <-interrupt:
			fmt.Println("cancelling batch...")
			t.Cancel(context.Background())
		case snapshot := <-done:
			if snapshot.Transport.LastError != "" && (snapshot.Batch == nil || !snapshot.Batch.Status.Terminal()) {
				return fmt.Errorf("tracking stalled: %s", snapshot.Transport.LastError)
			}
			fmt.Printf("batch %s finished: %s\n", batchID, snapshot.Batch.Status)
			return nil
		}
	}
}

func printSnapshot(snapshot tracker.Snapshot) {
	b := snapshot.Batch
	if b == nil {
		return
	}
	fmt.Printf("[%s] %s completed=%d/%d failed=%d fixed=%d push=%v\n",
		time.Now().Format("15:04:05"),
		b.Status, b.CompletedJobs, b.TotalJobs, b.FailedJobs,
		b.Summary.TotalIssuesFixed, snapshot.Transport.PushConnected)
}
