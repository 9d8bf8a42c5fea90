package pion

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// LoggerFactory routes pion's internal logging into zerolog, one sub-logger
// per pion scope (ice, dtls, pc, ...).
type LoggerFactory struct {
	Logger zerolog.Logger
	// Level applies on top of the zerolog level. pion is chatty at debug.
	Level zerolog.Level
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return scopedLogger{
		log: f.Logger.With().Str("pion", scope).Logger().Level(f.Level),
	}
}

type scopedLogger struct {
	log zerolog.Logger
}

func (l scopedLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l scopedLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l scopedLogger) Info(msg string)  { l.log.Info().Msg(msg) }
func (l scopedLogger) Warn(msg string)  { l.log.Warn().Msg(msg) }
func (l scopedLogger) Error(msg string) { l.log.Error().Msg(msg) }

func (l scopedLogger) Tracef(format string, args ...interface{}) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Warnf(format string, args ...interface{}) {
	l.log.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l scopedLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}
