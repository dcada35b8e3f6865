package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/hitoshi/crmigrate/internal/model"
)

// maxBackoff はリトライ間隔の上限。
const maxBackoff = 30 * time.Second

// ErrUnavailable は一時的にシンクへ書き込めないことを表す。再試行の対象となる。
var ErrUnavailable = errors.New("sink temporarily unavailable")

// RetryPolicy はバッチ書き込みのタイムアウトと再試行の設定。
type RetryPolicy struct {
	MaxRetries int           // 初回を除く再試行回数
	Backoff    time.Duration // 初回の再試行間隔。以降2倍ずつ増加する
	Timeout    time.Duration // 1回の書き込みのタイムアウト。0以下の場合は無制限
	RateLimit  float64       // 1秒あたりのバッチ投入数。0以下の場合は無制限
}

// Submission はリトライを含むバッチ投入の結果。
type Submission struct {
	Result    Result
	Attempts  int
	Transient bool // 最後のエラーが一時的なものだったか
	Err       error
}

// RetryingSink は一時的なエラーを指数バックオフで再試行するSinkのラッパー。
// 制約違反やデータ不正などの恒久的なエラーは再試行しない。
type RetryingSink struct {
	next    Sink
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryingSink はRetryingSinkを生成する。
func NewRetryingSink(next Sink, policy RetryPolicy, logger *slog.Logger) *RetryingSink {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	var limiter *rate.Limiter
	if policy.RateLimit > 0 {
		burst := int(policy.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(policy.RateLimit), burst)
	}
	return &RetryingSink{
		next:    next,
		policy:  policy,
		limiter: limiter,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Upsert はSinkインターフェースを満たす。試行回数が不要な呼び出し元向け。
func (s *RetryingSink) Upsert(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (Result, error) {
	sub := s.Submit(ctx, spec, records)
	return sub.Result, sub.Err
}

// Submit はバッチを書き込み、一時的なエラーであれば再試行する。
func (s *RetryingSink) Submit(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) Submission {
	var sub Submission

	for attempt := 0; attempt <= s.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := CalculateBackoff(s.policy.Backoff, attempt-1)
			s.logger.Warn("バッチ書き込みを再試行します",
				slog.String("entity", string(spec.Entity)),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", sub.Err.Error()),
			)
			if err := s.sleep(ctx, delay); err != nil {
				return sub
			}
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				sub.Err = err
				return sub
			}
		}

		sub.Attempts++
		res, err := s.attempt(ctx, spec, records)
		if err == nil {
			sub.Result = res
			sub.Err = nil
			sub.Transient = false
			return sub
		}

		sub.Err = err
		sub.Transient = IsTransient(err)
		if !sub.Transient {
			return sub
		}
	}
	return sub
}

func (s *RetryingSink) attempt(ctx context.Context, spec model.EntitySpec, records []model.TransformedRecord) (Result, error) {
	if s.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.policy.Timeout)
		defer cancel()
	}
	return s.next.Upsert(ctx, spec, records)
}

// CalculateBackoff は再試行回数に基づく指数バックオフの遅延を返す。最大30秒。
func CalculateBackoff(initial time.Duration, retries int) time.Duration {
	if initial <= 0 {
		return 0
	}
	delay := initial
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// IsTransient はエラーが再試行で解消しうるものかを判定する。
//
// 一時的: 接続断、タイムアウト、ネットワークエラー、シリアライズ失敗、デッドロック、
// 接続数超過、管理者によるシャットダウン。
// 恒久的: 制約違反(23)、データ不正(22)などそれ以外のすべて。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "53300", "57P01", "57P02", "57P03":
			return true
		}
		return pqErr.Code.Class() == "08"
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
