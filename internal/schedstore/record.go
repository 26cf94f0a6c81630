package schedstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"schedvault/internal/task/scheduler"
)

const recordVersion = 1

const (
	typeJob           = "job"
	typeTrigger       = "trigger"
	typeTriggerStatus = "trigger_status"
)

type jobPayload struct {
	Key                scheduler.Key     `json:"key"`
	Kind               string            `json:"kind"`
	Description        string            `json:"description,omitempty"`
	Data               map[string]string `json:"data,omitempty"`
	DisallowConcurrent bool              `json:"disallow_concurrent,omitempty"`
}

type jobEnvelope struct {
	V    int         `json:"v"`
	Type string      `json:"type"`
	Job  *jobPayload `json:"job"`
}

type triggerPayload struct {
	Key         scheduler.Key     `json:"key"`
	Job         scheduler.Key     `json:"job"`
	Schedule    string            `json:"schedule,omitempty"`
	StartAt     string            `json:"start_at,omitempty"`
	EndAt       string            `json:"end_at,omitempty"`
	Description string            `json:"description,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

type triggerEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Trigger *triggerPayload `json:"trigger"`
}

type statusEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	State   string          `json:"state"`
	Trigger json.RawMessage `json:"trigger"`
}

func encodeJob(j scheduler.JobDetail) ([]byte, error) {
	return json.Marshal(jobEnvelope{
		V:    recordVersion,
		Type: typeJob,
		Job: &jobPayload{
			Key:                j.Key,
			Kind:               j.Kind,
			Description:        j.Description,
			Data:               j.Data,
			DisallowConcurrent: j.DisallowConcurrent,
		},
	})
}

func decodeJob(b []byte) (scheduler.JobDetail, error) {
	var env jobEnvelope
	if err := strictUnmarshal(b, &env); err != nil {
		return scheduler.JobDetail{}, err
	}
	if err := checkHeader(env.V, env.Type, typeJob); err != nil {
		return scheduler.JobDetail{}, err
	}
	if env.Job == nil {
		return scheduler.JobDetail{}, errors.New("missing job payload")
	}
	p := env.Job
	return scheduler.JobDetail{
		Key:                p.Key,
		Kind:               p.Kind,
		Description:        p.Description,
		Data:               p.Data,
		DisallowConcurrent: p.DisallowConcurrent,
	}, nil
}

func encodeTrigger(t scheduler.Trigger) ([]byte, error) {
	return json.Marshal(triggerEnvelope{
		V:    recordVersion,
		Type: typeTrigger,
		Trigger: &triggerPayload{
			Key:         t.Key,
			Job:         t.JobKey,
			Schedule:    t.Schedule,
			StartAt:     formatTime(t.StartAt),
			EndAt:       formatTime(t.EndAt),
			Description: t.Description,
			Data:        t.Data,
		},
	})
}

func decodeTrigger(b []byte) (scheduler.Trigger, error) {
	var env triggerEnvelope
	if err := strictUnmarshal(b, &env); err != nil {
		return scheduler.Trigger{}, err
	}
	if err := checkHeader(env.V, env.Type, typeTrigger); err != nil {
		return scheduler.Trigger{}, err
	}
	if env.Trigger == nil {
		return scheduler.Trigger{}, errors.New("missing trigger payload")
	}
	p := env.Trigger
	startAt, err := parseTime(p.StartAt)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("start_at: %w", err)
	}
	endAt, err := parseTime(p.EndAt)
	if err != nil {
		return scheduler.Trigger{}, fmt.Errorf("end_at: %w", err)
	}
	return scheduler.Trigger{
		Key:         p.Key,
		JobKey:      p.Job,
		Schedule:    p.Schedule,
		StartAt:     startAt,
		EndAt:       endAt,
		Description: p.Description,
		Data:        p.Data,
	}, nil
}

// encodeTriggerRecord wraps an already encoded trigger payload with a state tag.
func encodeTriggerRecord(payload []byte, state scheduler.TriggerState) ([]byte, error) {
	return json.Marshal(statusEnvelope{
		V:       recordVersion,
		Type:    typeTriggerStatus,
		State:   string(state),
		Trigger: json.RawMessage(payload),
	})
}

// decodeTriggerRecord returns the raw trigger payload and the state tag.
func decodeTriggerRecord(b []byte) ([]byte, scheduler.TriggerState, error) {
	var env statusEnvelope
	if err := strictUnmarshal(b, &env); err != nil {
		return nil, "", err
	}
	if err := checkHeader(env.V, env.Type, typeTriggerStatus); err != nil {
		return nil, "", err
	}
	state, ok := scheduler.ParseTriggerState(env.State)
	if !ok {
		return nil, "", fmt.Errorf("unknown trigger state %q", env.State)
	}
	if len(env.Trigger) == 0 || bytes.Equal(env.Trigger, []byte("null")) {
		return nil, "", errors.New("missing trigger payload")
	}
	return []byte(env.Trigger), state, nil
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return errors.New("decode: trailing data")
	}
	return nil
}

func checkHeader(v int, typ, want string) error {
	if v != recordVersion {
		return fmt.Errorf("unsupported record version %d", v)
	}
	if typ != want {
		return fmt.Errorf("record type %q, want %q", typ, want)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
