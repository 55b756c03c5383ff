package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrMalformedTask is wrapped by DecodeTask when a stored payload is not a
// usable task.
var ErrMalformedTask = errors.New("malformed queued task")

// EncodeTask serializes a task for the durable queues. Values inside Inputs
// must be registered with gob; the api package registers the JSON-like
// shapes.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, fmt.Errorf("encode %s task %s for run %s: %w", t.Type, t.ID, t.RunID, err)
	}
	return buf.Bytes(), nil
}

// DecodeTask restores a task written by EncodeTask. The result always has an
// id and a known type.
func DecodeTask(data []byte) (*Task, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedTask)
	}
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	switch {
	case t.ID == "":
		return nil, fmt.Errorf("%w: missing id (run %q)", ErrMalformedTask, t.RunID)
	case t.Type != TaskTypeRun && t.Type != TaskTypeCancel:
		return nil, fmt.Errorf("%w: task %s has unknown type %q", ErrMalformedTask, t.ID, t.Type)
	}
	return &t, nil
}
