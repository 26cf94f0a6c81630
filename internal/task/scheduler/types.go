package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schedvault/internal/task/engine"
)

// Config controls the scheduling engine.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local

	// NoStartupSpread disables the random initial delay for interval triggers.
	NoStartupSpread bool

	// DefaultTimeout is passed to the executor for every fired job (0 = executor default).
	DefaultTimeout time.Duration
}

const (
	DefaultNamespace = "default"
	DefaultGroup     = "DEFAULT"
)

// Key identifies a job or a trigger.
type Key struct {
	Namespace string `json:"namespace"`
	Group     string `json:"group"`
	Name      string `json:"name"`
}

type (
	JobKey     = Key
	TriggerKey = Key
)

// NewKey builds a normalized key in the given group of the default namespace.
func NewKey(group, name string) Key {
	return Key{Group: group, Name: name}.Normalize()
}

// Normalize fills in the default namespace and group.
func (k Key) Normalize() Key {
	k.Namespace = strings.TrimSpace(k.Namespace)
	k.Group = strings.TrimSpace(k.Group)
	k.Name = strings.TrimSpace(k.Name)
	if k.Namespace == "" {
		k.Namespace = DefaultNamespace
	}
	if k.Group == "" {
		k.Group = DefaultGroup
	}
	return k
}

// Validate checks a normalized key.
func (k Key) Validate() error {
	if k.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	parts := [...]struct{ field, v string }{{"namespace", k.Namespace}, {"group", k.Group}, {"name", k.Name}}
	for _, p := range parts {
		if strings.Contains(p.v, "/") {
			return &ValidationError{Field: p.field, Reason: "must not contain '/'"}
		}
	}
	return nil
}

// String renders the key as "namespace/group/name".
func (k Key) String() string {
	return k.Namespace + "/" + k.Group + "/" + k.Name
}

// ParseKey accepts "name", "group/name" or "namespace/group/name".
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	var k Key
	switch len(parts) {
	case 1:
		k = Key{Name: parts[0]}
	case 2:
		k = Key{Group: parts[0], Name: parts[1]}
	case 3:
		k = Key{Namespace: parts[0], Group: parts[1], Name: parts[2]}
	default:
		return Key{}, &ValidationError{Field: "key", Reason: fmt.Sprintf("%q has too many parts", s)}
	}
	k = k.Normalize()
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// JobDetail describes what runs when a trigger fires. Kind selects the
// registered Handler; Data is passed to it verbatim.
type JobDetail struct {
	Key                JobKey
	Kind               string
	Description        string
	Data               map[string]string
	DisallowConcurrent bool
}

// Trigger binds a schedule to a job.
//
// Schedule accepts the ParseSchedule grammar. An empty Schedule is a one-shot
// trigger firing once at StartAt (or immediately when StartAt is zero).
type Trigger struct {
	Key         TriggerKey
	JobKey      JobKey
	Schedule    string
	StartAt     time.Time
	EndAt       time.Time
	Description string
	Data        map[string]string
}

type TriggerState string

const (
	StateNormal   TriggerState = "NORMAL"
	StatePaused   TriggerState = "PAUSED"
	StateComplete TriggerState = "COMPLETE"
	StateError    TriggerState = "ERROR"
	StateBlocked  TriggerState = "BLOCKED"
	StateNone     TriggerState = "NONE"
)

// ParseTriggerState accepts any known state name (case-insensitive).
func ParseTriggerState(s string) (TriggerState, bool) {
	st := TriggerState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StateNormal, StatePaused, StateComplete, StateError, StateBlocked, StateNone:
		return st, true
	}
	return "", false
}

// FireContext is passed to a Handler for one firing.
type FireContext struct {
	FireID      string
	Job         JobDetail
	Trigger     Trigger
	ScheduledAt time.Time
	FiredAt     time.Time
}

// Handler runs a fired job.
type Handler func(ctx context.Context, fc FireContext) error

// Listener is notified when the engine retires a trigger that will never
// fire again. It is called without engine locks held.
type Listener interface {
	TriggerRetired(key TriggerKey)
}

// Executor runs fired jobs. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

var (
	ErrAlreadyExists  = errors.New("already exists")
	ErrJobNotFound    = errors.New("job not found")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// ValidationError reports a rejected job or trigger definition.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

type TriggerInfo struct {
	Key      TriggerKey
	JobKey   JobKey
	Schedule string
	State    TriggerState
	Next     time.Time
	Prev     time.Time
	Fired    uint64
	Spread   time.Duration
}

type Snapshot struct {
	Started  bool
	Timezone string
	Jobs     int
	Triggers []TriggerInfo
	Running  int

	Executor engine.Snapshot
}

func cloneData(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (j JobDetail) clone() JobDetail {
	j.Data = cloneData(j.Data)
	return j
}

func (t Trigger) clone() Trigger {
	t.Data = cloneData(t.Data)
	return t
}
