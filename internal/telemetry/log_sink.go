package telemetry

import (
	"github.com/hewenyu/kong-proxy/internal/config"
	"go.uber.org/zap"
)

// LogSink 把事件写入结构化日志
type LogSink struct {
	logger config.Logger
}

// NewLogSink 创建日志Sink
func NewLogSink(logger config.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit 成功的尝试记为Debug，其余记为Warn
func (s *LogSink) Emit(e Event) {
	fields := []zap.Field{
		zap.String("traceId", e.TraceID),
		zap.String("target", e.Target),
		zap.Int("attempt", e.Attempt),
		zap.String("outcome", string(e.Outcome)),
		zap.Float64("latencyMs", e.LatencyMs),
		zap.String("breakerState", e.BreakerState),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}

	if e.Outcome == OutcomeSuccess {
		s.logger.Debug("代理调用", fields...)
		return
	}
	s.logger.Warn("代理调用失败", fields...)
}
