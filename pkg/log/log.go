package log

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// InitLogs returns a logger configured for the given level. An empty or
// unparseable level falls back to info.
func InitLogs(level string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	return log
}

// WithReqIDFromCtx creates a logger with the request id from the context.
// The request id is set by middleware.RequestID.
func WithReqIDFromCtx(ctx context.Context, inner logrus.FieldLogger) logrus.FieldLogger {
	return inner.WithField("request_id", middleware.GetReqID(ctx))
}

// WithExecID creates a logger tagged with the execution id of one invocation.
func WithExecID(execID string, inner logrus.FieldLogger) logrus.FieldLogger {
	return inner.WithField("execution_id", execID)
}
