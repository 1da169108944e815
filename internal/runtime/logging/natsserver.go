package logging

import (
	"fmt"

	"github.com/nats-io/nats-server/v2/server"
)

type natsServerLogger struct {
	log ServiceLogger
}

// NewNATSServerLogger routes embedded nats-server logs through log. Notices
// are logged at debug level; the server is chatty at startup.
func NewNATSServerLogger(log ServiceLogger) server.Logger {
	return &natsServerLogger{log: OrNop(log).With(LogFields{"component": "nats-server"})}
}

func (l *natsServerLogger) Noticef(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), nil)
}

func (l *natsServerLogger) Warnf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...), LogFields{"level": "warn"})
}

func (l *natsServerLogger) Errorf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...), nil, nil)
}

func (l *natsServerLogger) Fatalf(format string, v ...any) {
	l.log.Error("NATS FATAL: "+fmt.Sprintf(format, v...), nil, nil)
}

func (l *natsServerLogger) Debugf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf(format, v...), nil)
}

func (l *natsServerLogger) Tracef(format string, v ...any) {
	l.log.Trace(fmt.Sprintf(format, v...), nil)
}
