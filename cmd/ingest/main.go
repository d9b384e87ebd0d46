// Command ingest loads one proxy log file and prints its summary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/proxylens/proxylens/internal/app"
	"github.com/proxylens/proxylens/internal/config"
	"github.com/proxylens/proxylens/internal/model"
	"github.com/proxylens/proxylens/internal/pkg/logger"
	"github.com/proxylens/proxylens/internal/service"
)

type output struct {
	Upload    *model.Upload         `json:"upload"`
	Summary   *model.Summary        `json:"summary"`
	Review    *service.ReviewResult `json:"ai_review,omitempty"`
	Anomalies []*model.LogEvent     `json:"anomalies"`
}

func main() {
	var (
		file   = flag.String("file", "", "path to a proxy log CSV")
		user   = flag.String("user", "cli", "owner recorded on the upload")
		bucket = flag.Int("bucket", service.DefaultBucketMinutes, "timeline bucket width in minutes")
		limit  = flag.Int("limit", model.DefaultEventLimit, "max anomalies to print")
		wait   = flag.Bool("wait", false, "run the AI review inline before printing")
	)
	flag.Parse()
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: ingest -file proxy.csv [-user id] [-bucket minutes] [-wait]")
		os.Exit(2)
	}
	if err := run(*file, *user, *bucket, *limit, *wait); err != nil {
		fmt.Fprintln(os.Stderr, "ingest:", err)
		os.Exit(1)
	}
}

func run(path, userID string, bucket, limit int, wait bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []app.Option
	if wait {
		opts = append(opts, app.WithManualReview())
	}
	a, err := app.Build(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("close", "error", err)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	upload, err := a.Ingestion.IngestReader(ctx, userID, filepath.Base(path), f)
	if err != nil {
		return err
	}

	out := output{Upload: upload}
	if wait && a.Reviewer != nil {
		res, _, err := a.Reviewer.ReviewNow(ctx, upload.ID)
		if err != nil {
			logger.Error("AI review failed", "upload_id", upload.ID, "error", err)
		}
		out.Review = res
		if out.Upload, err = a.Store.GetUpload(ctx, upload.ID); err != nil {
			return err
		}
	}

	if out.Summary, err = a.Summaries.Summary(ctx, upload.ID, bucket); err != nil {
		return err
	}
	if out.Anomalies, err = a.Anomalies.ForUpload(ctx, userID, upload.ID, limit); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
