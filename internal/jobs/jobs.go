// Package jobs provides the built-in job kinds: "log" and "command".
package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"schedvault/internal/task/engine"
	"schedvault/internal/task/scheduler"
	logx "schedvault/pkg/logx"
)

const (
	KindLog     = "log"
	KindCommand = "command"

	// maxOutput caps how much command output is kept for logging.
	maxOutput = 4 << 10
)

// Registry is where handlers are installed. *scheduler.Service satisfies it.
type Registry interface {
	RegisterHandler(kind string, h scheduler.Handler)
}

// Register installs every built-in kind.
func Register(r Registry, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "jobs"))
	r.RegisterHandler(KindLog, Log(log))
	r.RegisterHandler(KindCommand, Command(log))
}

// Log writes data["message"] (or the job description) at info level.
func Log(log logx.Logger) scheduler.Handler {
	return func(_ context.Context, fc scheduler.FireContext) error {
		msg := fc.Job.Data["message"]
		if v, ok := fc.Trigger.Data["message"]; ok {
			msg = v
		}
		if msg == "" {
			msg = fc.Job.Description
		}
		log.Info(msg, fireFields(fc)...)
		return nil
	}
}

// Command runs data["command"] with whitespace separated data["args"].
// data["dir"] sets the working directory. Trigger data overrides job data.
//
// A missing command is not retried; a non-zero exit is.
func Command(log logx.Logger) scheduler.Handler {
	return func(ctx context.Context, fc scheduler.FireContext) error {
		data := merged(fc)
		name := strings.TrimSpace(data["command"])
		if name == "" {
			return engine.NoRetry(errors.New("command: data.command is required"))
		}
		path, err := exec.LookPath(name)
		if err != nil {
			return engine.NoRetry(fmt.Errorf("command: %w", err))
		}

		cmd := exec.CommandContext(ctx, path, strings.Fields(data["args"])...)
		cmd.Dir = data["dir"]
		cmd.Env = append(os.Environ(),
			"SCHEDVAULT_FIRE_ID="+fc.FireID,
			"SCHEDVAULT_JOB="+fc.Job.Key.String(),
			"SCHEDVAULT_TRIGGER="+fc.Trigger.Key.String(),
			"SCHEDVAULT_SCHEDULED_AT="+fc.ScheduledAt.Format("2006-01-02T15:04:05Z07:00"),
		)
		var out capped
		cmd.Stdout = &out
		cmd.Stderr = &out

		err = cmd.Run()
		fields := append(fireFields(fc), logx.String("command", name), logx.String("output", out.String()))
		if err != nil {
			log.Warn("command failed", append(fields, logx.Err(err))...)
			return fmt.Errorf("command %s: %w", name, err)
		}
		log.Debug("command finished", fields...)
		return nil
	}
}

func merged(fc scheduler.FireContext) map[string]string {
	out := make(map[string]string, len(fc.Job.Data)+len(fc.Trigger.Data))
	for k, v := range fc.Job.Data {
		out[k] = v
	}
	for k, v := range fc.Trigger.Data {
		out[k] = v
	}
	return out
}

func fireFields(fc scheduler.FireContext) []logx.Field {
	return []logx.Field{
		logx.String("fire_id", fc.FireID),
		logx.String("job", fc.Job.Key.String()),
		logx.String("trigger", fc.Trigger.Key.String()),
	}
}

// capped keeps the first maxOutput bytes written to it.
type capped struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := maxOutput - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) String() string {
	s := strings.TrimSpace(c.buf.String())
	if c.truncated {
		s += " ...(truncated)"
	}
	return s
}
