package task

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// namedJob keeps the wrapped job's name visible to outer wrappers.
type namedJob struct {
	name string
	run  func()
}

func (n namedJob) Run()         { n.run() }
func (n namedJob) Name() string { return n.name }

// NewLoggingWrapper logs the start and end of every run with a unique
// execution id.
func NewLoggingWrapper(logger slog.Logger) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		name := jobName(j)
		return namedJob{name: name, run: func() {
			ctx := context.Background()
			jobLogger := logger.With(
				slog.F("job_name", name),
				slog.F("execution_id", uuid.NewString()),
			)

			started := time.Now()
			jobLogger.Debug(ctx, "job started")
			j.Run()
			jobLogger.Debug(ctx, "job finished", slog.F("duration", time.Since(started)))
		}}
	}
}

// NewPanicRecoveryWrapper keeps a panicking job from taking the process
// down.
func NewPanicRecoveryWrapper(logger slog.Logger) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		name := jobName(j)
		return namedJob{name: name, run: func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(context.Background(), "job panicked",
						slog.F("job_name", name),
						slog.F("panic", fmt.Sprint(r)),
						slog.F("stack_trace", string(debug.Stack())),
					)
				}
			}()
			j.Run()
		}}
	}
}

// jobName prefers a Name method and falls back to the job's type.
func jobName(j cron.Job) string {
	if named, ok := j.(interface{ Name() string }); ok {
		return named.Name()
	}
	t := reflect.TypeOf(j)
	if t.Kind() == reflect.Ptr {
		return t.Elem().String()
	}
	return t.String()
}

// cronLogger routes the cron library's own messages to slog.
type cronLogger struct {
	logger slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(context.Background(), msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(context.Background(), msg, append(fields(keysAndValues), slog.Error(err))...)
}

func fields(kv []interface{}) []slog.Field {
	out := make([]slog.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, slog.F(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
