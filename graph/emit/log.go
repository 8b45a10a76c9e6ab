package emit

import (
	"go.uber.org/zap"
)

// LogEmitter writes events to a structured zap logger.
//
// Events whose Meta carries an "error" key are logged at warn level,
// everything else at debug level so production logs stay quiet unless the
// logger level is lowered.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger discards events.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger.Named("graph")}
}

// Emit logs the event.
func (l *LogEmitter) Emit(event Event) {
	fields := make([]zap.Field, 0, 3+len(event.Meta))
	fields = append(fields,
		zap.String("run_id", event.RunID),
		zap.Int("step", event.Step),
		zap.String("node_id", event.NodeID),
	)
	for k, v := range event.Meta {
		fields = append(fields, zap.Any(k, v))
	}

	if _, failed := event.Meta["error"]; failed {
		l.logger.Warn(event.Msg, fields...)
		return
	}
	l.logger.Debug(event.Msg, fields...)
}
