package engine

import (
	"log/slog"
	"os"
	"time"
)

// Logger 全局结构化日志器
var Logger *slog.Logger

// InitLogger 初始化结构化日志
func InitLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// 创建 JSON 格式的结构化日志器
	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	// 根据环境变量选择输出格式
	if os.Getenv("LOG_FORMAT") == "text" {
		// 文本格式，便于开发调试
		Logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	} else {
		// JSON 格式，便于日志收集系统处理
		Logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}

	slog.SetDefault(Logger)
}

// LogRPCRetry 记录 RPC 重试日志
func LogRPCRetry(method string, attempt int, err error) {
	Logger.Warn("rpc_retry",
		slog.String("method", method),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogEndpointExcluded 记录端点被剔除出轮换的日志
func LogEndpointExcluded(url string, failures int, until time.Time, reason string) {
	Logger.Warn("endpoint_excluded",
		slog.String("endpoint", maskURL(url)),
		slog.Int("consecutive_failures", failures),
		slog.String("excluded_until", until.Format(time.RFC3339)),
		slog.String("reason", reason),
	)
}

// LogEndpointRecovered 记录端点恢复健康的日志
func LogEndpointRecovered(url string, latency time.Duration) {
	Logger.Info("endpoint_recovered",
		slog.String("endpoint", maskURL(url)),
		slog.Float64("latency_seconds", latency.Seconds()),
	)
}

// LogRateLimited 记录端点触发限流的日志
func LogRateLimited(url, method string) {
	Logger.Warn("endpoint_rate_limited",
		slog.String("endpoint", maskURL(url)),
		slog.String("method", method),
	)
}

// LogCycleSummary 记录一轮提取周期的汇总日志
func LogCycleSummary(token string, headBlock uint64, partial bool, duration float64, readsFailed int) {
	Logger.Info("cycle_completed",
		slog.String("token", token),
		slog.Uint64("head_block", headBlock),
		slog.Bool("partial", partial),
		slog.Float64("duration_seconds", duration),
		slog.Int("reads_failed", readsFailed),
	)
}

// LogDatabaseError 记录数据库错误日志
func LogDatabaseError(operation string, err error) {
	Logger.Error("database_error",
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}
