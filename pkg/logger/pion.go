package logger

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionFactory routes pion/webrtc internal logging through the global zap logger.
type PionFactory struct {
	Base *zap.Logger
}

// NewLogger implements logging.LoggerFactory.
func (f PionFactory) NewLogger(scope string) logging.LeveledLogger {
	base := f.Base
	if base == nil {
		base = Log
	}
	return &pionLogger{l: base.Named("pion").With(zap.String("scope", scope)).Sugar()}
}

type pionLogger struct {
	l *zap.SugaredLogger
}

// pion traces are extremely chatty; they are folded into debug.
func (p *pionLogger) Trace(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debugf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warnf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
