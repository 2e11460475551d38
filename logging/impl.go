package logging

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	name  string
	level AtomicLevel
	inUTC bool

	appenders []Appender
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}

	return &impl{
		name:      newName,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var errs error
	for _, appender := range imp.appenders {
		errs = multierr.Append(errs, appender.Sync())
	}
	return errs
}

func (imp *impl) shouldLog(logLevel Level) bool {
	if GlobalLogLevel.Level() == zapcore.DebugLevel {
		return true
	}
	return logLevel >= imp.level.Get()
}

// emit builds the entry and hands it to every appender. Appender failures go to stderr since
// there is nowhere else to report them.
func (imp *impl) emit(logLevel Level, msg string, fields []zapcore.Field) {
	entry := zapcore.Entry{
		Level:      logLevel.AsZap(),
		Time:       time.Now(),
		LoggerName: imp.name,
		Message:    msg,
		Caller:     getCaller(),
	}
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}

	for _, appender := range imp.appenders {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// fieldsFromPairs turns alternating keys and values into zap fields. A trailing key without a
// value is kept with an error value rather than dropped.
func fieldsFromPairs(keysAndValues []interface{}) []zapcore.Field {
	fields := make([]zapcore.Field, 0, len(keysAndValues)/2)
	for keyIdx := 0; keyIdx < len(keysAndValues); keyIdx += 2 {
		var keyStr string
		if stringer, ok := keysAndValues[keyIdx].(fmt.Stringer); ok {
			keyStr = stringer.String()
		} else {
			keyStr = fmt.Sprintf("%v", keysAndValues[keyIdx])
		}

		if keyIdx+1 < len(keysAndValues) {
			fields = append(fields, zap.Any(keyStr, keysAndValues[keyIdx+1]))
		} else {
			fields = append(fields, zap.Any(keyStr, errors.New("unpaired log key")))
		}
	}
	return fields
}

func (imp *impl) logArgs(logLevel Level, args []interface{}) {
	if imp.shouldLog(logLevel) {
		imp.emit(logLevel, fmt.Sprint(args...), nil)
	}
}

func (imp *impl) logf(logLevel Level, template string, args []interface{}) {
	if imp.shouldLog(logLevel) {
		imp.emit(logLevel, fmt.Sprintf(template, args...), nil)
	}
}

func (imp *impl) logw(logLevel Level, msg string, keysAndValues []interface{}) {
	if imp.shouldLog(logLevel) {
		imp.emit(logLevel, msg, fieldsFromPairs(keysAndValues))
	}
}

func (imp *impl) Debug(args ...interface{}) { imp.logArgs(DEBUG, args) }

func (imp *impl) Debugf(template string, args ...interface{}) { imp.logf(DEBUG, template, args) }

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.logw(DEBUG, msg, keysAndValues)
}

func (imp *impl) Info(args ...interface{}) { imp.logArgs(INFO, args) }

func (imp *impl) Infof(template string, args ...interface{}) { imp.logf(INFO, template, args) }

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.logw(INFO, msg, keysAndValues)
}

func (imp *impl) Warn(args ...interface{}) { imp.logArgs(WARN, args) }

func (imp *impl) Warnf(template string, args ...interface{}) { imp.logf(WARN, template, args) }

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.logw(WARN, msg, keysAndValues)
}

func (imp *impl) Error(args ...interface{}) { imp.logArgs(ERROR, args) }

func (imp *impl) Errorf(template string, args ...interface{}) { imp.logf(ERROR, template, args) }

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.logw(ERROR, msg, keysAndValues)
}

func (imp *impl) fatal(msg string, fields []zapcore.Field) {
	imp.emit(ERROR, msg, fields)
	os.Exit(1)
}

// Fatal logs as an error then exits the process.
func (imp *impl) Fatal(args ...interface{}) { imp.fatal(fmt.Sprint(args...), nil) }

// Fatalf logs as an error then exits the process.
func (imp *impl) Fatalf(template string, args ...interface{}) {
	imp.fatal(fmt.Sprintf(template, args...), nil)
}

// Fatalw logs as an error with the given fields then exits the process.
func (imp *impl) Fatalw(msg string, keysAndValues ...interface{}) {
	imp.fatal(msg, fieldsFromPairs(keysAndValues))
}

// getCaller reports the frame that called the public logging method. The stack at this point is
// getCaller, emit, the log helper, then the public method.
func getCaller() zapcore.EntryCaller {
	var entryCaller zapcore.EntryCaller
	const skipToLogCaller = 4
	var ok bool
	entryCaller.PC, entryCaller.File, entryCaller.Line, ok = runtime.Caller(skipToLogCaller)
	if !ok {
		return entryCaller
	}
	entryCaller.Defined = true
	if runtimeFunc := runtime.FuncForPC(entryCaller.PC); runtimeFunc != nil {
		entryCaller.Function = runtimeFunc.Name()
	}
	return entryCaller
}
