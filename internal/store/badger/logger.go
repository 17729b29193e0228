package badger

import (
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// loggerAdapter routes Badger's printf-style logging into zap.
type loggerAdapter struct {
	log *zap.Logger
}

var _ badgerdb.Logger = (*loggerAdapter)(nil)

func (l *loggerAdapter) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...), zap.String("component", "badger"))
}

func (l *loggerAdapter) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...), zap.String("component", "badger"))
}

// Badger is chatty at info level; demote to debug.
func (l *loggerAdapter) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...), zap.String("component", "badger"))
}

func (l *loggerAdapter) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...), zap.String("component", "badger"))
}
