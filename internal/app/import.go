package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/crmigrate/internal/config"
	"github.com/hitoshi/crmigrate/internal/database"
	"github.com/hitoshi/crmigrate/internal/handler"
	"github.com/hitoshi/crmigrate/internal/identity"
	"github.com/hitoshi/crmigrate/internal/importer"
	"github.com/hitoshi/crmigrate/internal/metrics"
	"github.com/hitoshi/crmigrate/internal/report"
	"github.com/hitoshi/crmigrate/internal/security"
	"github.com/hitoshi/crmigrate/internal/sink"
	"github.com/hitoshi/crmigrate/internal/source"
)

// runImport は全依存関係をワイヤリングしてインポートを実行する。
// 設定エラー以外はレポートに記録されるため、実行が完了すればnilを返す。
func runImport(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) error {
	if err := cfg.ValidateImport(); err != nil {
		return err
	}
	required, err := cfg.RequiredEntities()
	if err != nil {
		return configurationError("%v", err)
	}

	// 1. ソース
	src, err := source.New(cfg.Source, cfg.SourceEncoding, cfg.SourceFetchTimeout)
	if err != nil {
		return configurationError("invalid source: %v", err)
	}

	// 2. シンク（ドライランはメモリ上）
	var next sink.Sink
	if cfg.DryRun {
		next = sink.NewMemorySink()
		logger.Info("ドライランのためメモリ上のシンクに書き込みます")
	} else {
		db, err := database.Connect(ctx, cfg.DatabaseURL, cfg.SinkWorkers)
		if err != nil {
			return configurationError("cannot connect to destination %s: %v", maskDatabaseURL(cfg.DatabaseURL), err)
		}
		defer db.Close()
		logger.Info("データベースに接続しました", slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)))
		next = sink.NewPostgresSink(db)
	}
	submitter := sink.NewRetryingSink(next, sink.RetryPolicy{
		MaxRetries: cfg.SinkMaxRetries,
		Backoff:    cfg.SinkRetryBackoff,
		Timeout:    cfg.SinkTimeout,
		RateLimit:  cfg.SinkRateLimit,
	}, logger)

	// 3. IDマップの永続化
	var store importer.IdentityStore
	if cfg.IdentityStorePath != "" {
		s, err := identity.OpenStore(cfg.IdentityStorePath)
		if err != nil {
			return configurationError("cannot open identity store: %v", err)
		}
		defer s.Close()
		store = s
	}

	// 4. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	orch := importer.New(src, submitter, logger, importer.Options{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.SinkWorkers,
		Required:  required,
		DryRun:    cfg.DryRun,
		Store:     store,
		Sanitizer: security.NewRichTextSanitizer(),
		Metrics:   collector,
	})

	// 5. ステータスサーバー
	if cfg.MetricsAddr != "" {
		shutdown, err := startStatusServer(cfg.MetricsAddr, &handler.RouterDeps{
			Logger:   logger,
			Gatherer: reg,
			Reports:  orch,
		}, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	// 6. 実行
	result, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	view := result.Snapshot()
	if err := report.PrintSummary(stdout, view); err != nil {
		logger.Warn("サマリーの出力に失敗しました", slog.String("error", err.Error()))
	}
	if cfg.ReportPath != "" {
		if err := report.WriteFile(cfg.ReportPath, view); err != nil {
			logger.Error("レポートの保存に失敗しました",
				slog.String("path", cfg.ReportPath),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("レポートを保存しました", slog.String("path", cfg.ReportPath))
		}
	}
	return nil
}

// startStatusServer はステータスサーバーをバックグラウンドで起動し、停止関数を返す。
// アドレスを使用できない場合は設定エラーとする。
func startStatusServer(addr string, deps *handler.RouterDeps, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, configurationError("cannot listen on METRICS_ADDR %s: %v", addr, err)
	}

	server := &http.Server{
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("ステータスサーバーを起動します", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ステータスサーバーが異常終了しました", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("ステータスサーバーの停止に失敗しました", slog.String("error", err.Error()))
		}
	}, nil
}
