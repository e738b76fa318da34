package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/tgscan/internal/logging"
	"github.com/JakeFAU/tgscan/internal/progress"
	"github.com/JakeFAU/tgscan/internal/scan"
)

// LogSink emits structured logs for each progress event. Matches and cycle
// milestones log at Info; per-target completions at Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			logging.CycleID(evt.CycleUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Target != "" {
			fields = append(fields, logging.Target(scan.Target(evt.Target)))
		}
		switch evt.Stage {
		case progress.StageMatch:
			fields = append(fields, zap.String("keyword", evt.Keyword), zap.String("context", evt.Context))
		case progress.StageCycleStart:
			fields = append(fields, zap.Int("targets", evt.Targets))
		case progress.StageCycleDone, progress.StageTargetDone:
			fields = append(fields, zap.Int64("matches", evt.Matches), zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageTargetDone:
		return zapcore.DebugLevel
	case progress.StageTargetError, progress.StageCycleError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
