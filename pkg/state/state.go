package state

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

const recordSchema = `{
  "type": "object",
  "properties": {
    "last_commit": {"type": ["string", "null"]}
  }
}`

var recordSchemaLoader = gojsonschema.NewStringLoader(recordSchema)

// RunnerState is everything the runner remembers across restarts.
type RunnerState struct {
	// LastCommit is the revision most recently built and deployed
	// successfully; empty if there's been no such deploy.
	LastCommit string
}

// record is the serialised form; an absent commit is written as
// null.
type record struct {
	LastCommit *string `json:"last_commit"`
}

func (s RunnerState) MarshalJSON() ([]byte, error) {
	var r record
	if s.LastCommit != "" {
		c := s.LastCommit
		r.LastCommit = &c
	}
	return json.Marshal(r)
}

func (s *RunnerState) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	s.LastCommit = ""
	if r.LastCommit != nil {
		s.LastCommit = *r.LastCommit
	}
	return nil
}

// Decode parses recorded state, checking that it has the expected
// shape.
func Decode(data []byte) (RunnerState, error) {
	result, err := gojsonschema.Validate(recordSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return RunnerState{}, errors.Wrap(err, "parsing state")
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return RunnerState{}, errors.Errorf("invalid state: %s", strings.Join(problems, "; "))
	}
	var st RunnerState
	err = json.Unmarshal(data, &st)
	return st, err
}

// Store is where RunnerState is kept. There must be only one writer
// of a given store.
type Store interface {
	// Load returns the recorded state. It does not fail: if nothing
	// is recorded, or what's recorded can't be read, it returns the
	// zero RunnerState (and logs why).
	Load(ctx context.Context) RunnerState
	// Save records the state such that either the old or the new
	// value is seen afterwards, never anything in between.
	Save(ctx context.Context, s RunnerState) error
	// String returns a string representation of where the state is
	// recorded (e.g., for referring to it in logs)
	String() string
}
