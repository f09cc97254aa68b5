package audit

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes events as structured log lines. Security events are logged
// at error level and failures at warn.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, e Event) {
	lvl := zapcore.InfoLevel
	switch {
	case e.Severity == Security:
		lvl = zapcore.ErrorLevel
	case e.Outcome == Failure || e.Severity == Warning:
		lvl = zapcore.WarnLevel
	}
	ce := s.log.Check(lvl, string(e.Type))
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.Time("event_time", e.Time),
		zap.String("outcome", string(e.Outcome)),
		zap.String("severity", string(e.Severity)),
	}
	for _, kv := range [...]struct{ k, v string }{
		{"user_id", e.UserID},
		{"email", e.Email},
		{"ip", e.IP},
		{"user_agent", e.UserAgent},
		{"route", e.Route},
		{"reason", e.Reason},
	} {
		if kv.v != "" {
			fields = append(fields, zap.String(kv.k, kv.v))
		}
	}
	ce.Write(fields...)
}
