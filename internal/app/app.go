// Package app はCLIのサブコマンドを定義し、設定・ロガー・各コンポーネントを組み立てる。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/hitoshi/crmigrate/internal/config"
	"github.com/hitoshi/crmigrate/internal/logger"
	"github.com/hitoshi/crmigrate/internal/model"
)

// 終了コード
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// Run はCLIのエントリーポイント。argsにはos.Args[1:]を渡す。
// ログはstderrに、サマリーなどの出力はstdoutに書き込む。
// ctxのキャンセル（SIGINT/SIGTERM）はインポートの協調的キャンセルとして扱う。
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := NewRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// ExitCode はRunの戻り値をプロセスの終了コードに変換する。
// 行単位・バッチ単位の失敗はレポートに記録されるため、非ゼロになるのは設定エラーと想定外のエラーのみ。
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cfgErr *model.ConfigurationError
	if errors.As(err, &cfgErr) {
		return ExitConfiguration
	}
	return ExitFailure
}

// Init は設定を読み込み、JSON構造化ログをセットアップする。
// levelOverrideが空でなければ LOG_LEVEL より優先する。
func Init(w io.Writer, levelOverride string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(config.DefaultEnvFiles...)
	if err != nil {
		return nil, nil, err
	}
	if levelOverride != "" {
		cfg.LogLevel = levelOverride
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, &model.ConfigurationError{Reason: err.Error()}
	}
	return cfg, logger.SetupDefault(w, level), nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}

func configurationError(format string, args ...any) error {
	return &model.ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
