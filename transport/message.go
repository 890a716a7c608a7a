// Package transport moves job payloads across a process boundary for
// worker offload: a queue client in the controlling process and a queue
// server in a worker process exchange job-submit, job-status/progress, and
// job-complete/error messages over a transport-agnostic wire format; the
// transport only carries bytes. Built on the same envelope shape
// coordinator/messages.go's WSMessage once had and the same websocket
// connection lifecycle coordinator/coordinator.go once managed.
package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies one of the three message kinds the transport carries.
type Kind string

const (
	KindJobSubmit   Kind = "job_submit"
	KindJobStatus   Kind = "job_status"
	KindJobComplete Kind = "job_complete"
)

// Message is the wire envelope. Payload carries one of Submit/Status/Complete
// below, chosen by Kind.
type Message struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	Queue     string                 `json:"queue"`
	JobID     string                 `json:"jobId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewMessage starts a Message of kind on queue, stamped with a fresh ID and
// the current time.
func NewMessage(kind Kind, queue string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Queue:     queue,
		Timestamp: time.Now(),
		Payload:   make(map[string]interface{}),
	}
}

// JSON serializes the message.
func (m *Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage deserializes a Message.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse transport message: %w", err)
	}
	return &m, nil
}

// SetPayload marshals payload through JSON into m.Payload.
func (m *Message) SetPayload(payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &m.Payload)
}

// SubmitPayload is KindJobSubmit's payload: a client asks a worker to run
// input against the named queue.
type SubmitPayload struct {
	Input      map[string]interface{} `json:"input"`
	JobRunID   string                 `json:"jobRunId,omitempty"`
	MaxRetries int                    `json:"maxRetries,omitempty"`
}

// StatusPayload is KindJobStatus's payload: a worker reports progress for a
// job it accepted.
type StatusPayload struct {
	Percent int                    `json:"percent"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CompletePayload is KindJobComplete's payload: a worker reports a job's
// terminal outcome.
type CompletePayload struct {
	Output    map[string]interface{} `json:"output,omitempty"`
	Errored   bool                    `json:"errored,omitempty"`
	ErrorCode string                  `json:"errorCode,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// GetSubmitPayload decodes m.Payload as SubmitPayload.
func (m *Message) GetSubmitPayload() (*SubmitPayload, error) {
	var p SubmitPayload
	if err := decodePayload(m.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetStatusPayload decodes m.Payload as StatusPayload.
func (m *Message) GetStatusPayload() (*StatusPayload, error) {
	var p StatusPayload
	if err := decodePayload(m.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetCompletePayload decodes m.Payload as CompletePayload.
func (m *Message) GetCompletePayload() (*CompletePayload, error) {
	var p CompletePayload
	if err := decodePayload(m.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodePayload(payload map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
