package tenant

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/shuletrack/shuletrack/core"
)

// NoStreamsToken is the stored sentinel for a grade without streams. It must
// always be read back as an empty list, never as a stream literally named
// this way.
const NoStreamsToken = "NON"

type TermFees struct {
	Term1 int `json:"term1"`
	Term2 int `json:"term2"`
	Term3 int `json:"term3"`
}

func (f TermFees) Total() int { return f.Term1 + f.Term2 + f.Term3 }

// GradeSeed is one fee-schedule definition carried in the registration
// payload until activation applies it to the provisioned namespace.
// Fees is a pointer so a payload missing the object entirely is
// distinguishable from zero fees, and rejected.
type GradeSeed struct {
	Name    string    `json:"name"`
	Fees    *TermFees `json:"fees"`
	Streams []string  `json:"streams"`
}

func (g GradeSeed) Validate() error {
	if core.CleanString(g.Name) == "" {
		return core.NewValidationError(
			errors.New("grade name cannot be empty"),
			core.FieldError{Field: "name", Error: "grade name cannot be empty"},
		)
	}
	if g.Fees == nil {
		return core.NewValidationError(
			errors.Errorf("fees required for grade %q", g.Name),
			core.FieldError{Field: "fees", Error: "fees required for grade " + g.Name},
		)
	}
	return nil
}

// EncodeSeed serializes fee-schedule seeds for storage alongside the pending
// activation; DecodeSeed must reproduce it exactly.
func EncodeSeed(grades []GradeSeed) (string, error) {
	data, err := json.Marshal(grades)
	if err != nil {
		return "", errors.Wrap(err, "encoding seed payload")
	}
	return string(data), nil
}

func DecodeSeed(payload string) ([]GradeSeed, error) {
	if payload == "" {
		return nil, nil
	}
	var grades []GradeSeed
	if err := json.Unmarshal([]byte(payload), &grades); err != nil {
		return nil, errors.Wrap(err, "decoding seed payload")
	}
	return grades, nil
}

// EncodeStreams flattens a stream list to its stored form; the empty list is
// stored as the sentinel token.
func EncodeStreams(streams []string) string {
	if len(streams) == 0 {
		return NoStreamsToken
	}
	return strings.Join(streams, ",")
}

// DecodeStreams reads the stored form back; the sentinel token means no
// streams.
func DecodeStreams(stored string) []string {
	if stored == "" || stored == NoStreamsToken {
		return []string{}
	}
	return strings.Split(stored, ",")
}
