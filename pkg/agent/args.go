package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billm/simpilot/pkg/automation"
)

// Opt is a JSON field that records whether it was present.
// null is treated the same as absent.
type Opt[T any] struct {
	Value T
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler
func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = Opt[T]{}
		return nil
	}
	if err := json.Unmarshal(data, &o.Value); err != nil {
		return err
	}
	o.Set = true
	return nil
}

// ArgError describes a field that failed validation
type ArgError struct {
	Field  string
	Reason string
}

func (e *ArgError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ArgError{Field: field, Reason: "is required"}
}

// decodeArgs decodes body into T and validates it. Type mismatches are
// reported against the offending field.
func decodeArgs[T any, PT interface {
	*T
	validate() error
}](body json.RawMessage) (*T, error) {
	v := PT(new(T))
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ArgError{Field: typeErr.Field, Reason: "must be " + typeErr.Type.String()}
		}
		return nil, &ArgError{Reason: err.Error()}
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return (*T)(v), nil
}

type tapArgs struct {
	X Opt[float64] `json:"x"`
	Y Opt[float64] `json:"y"`
}

func (a *tapArgs) validate() error {
	return requirePoint(a.X, a.Y, "x", "y")
}

func (a *tapArgs) point() automation.Point {
	return automation.Point{X: a.X.Value, Y: a.Y.Value}
}

type swipeArgs struct {
	XStart   Opt[float64] `json:"x_start"`
	YStart   Opt[float64] `json:"y_start"`
	XEnd     Opt[float64] `json:"x_end"`
	YEnd     Opt[float64] `json:"y_end"`
	Duration Opt[float64] `json:"duration"` // seconds
}

func (a *swipeArgs) validate() error {
	if err := requirePoint(a.XStart, a.YStart, "x_start", "y_start"); err != nil {
		return err
	}
	if err := requirePoint(a.XEnd, a.YEnd, "x_end", "y_end"); err != nil {
		return err
	}
	if a.Duration.Set && a.Duration.Value < 0 {
		return &ArgError{Field: "duration", Reason: "must not be negative"}
	}
	return nil
}

func (a *swipeArgs) duration() time.Duration {
	if !a.Duration.Set {
		return 0
	}
	return time.Duration(a.Duration.Value * float64(time.Second))
}

type typeTextArgs struct {
	Text Opt[string] `json:"text"`
}

func (a *typeTextArgs) validate() error {
	if !a.Text.Set {
		return missing("text")
	}
	if a.Text.Value == "" {
		return &ArgError{Field: "text", Reason: "must not be empty"}
	}
	return nil
}

type pressButtonArgs struct {
	Button Opt[string] `json:"button"`
}

func (a *pressButtonArgs) validate() error {
	if !a.Button.Set {
		return missing("button")
	}
	a.Button.Value = strings.ToUpper(strings.TrimSpace(a.Button.Value))
	if !automation.IsButton(a.Button.Value) {
		return &ArgError{
			Field:  "button",
			Reason: "must be one of " + strings.Join(automation.Buttons, ", "),
		}
	}
	return nil
}

type noArgs struct{}

func (a *noArgs) validate() error { return nil }

func requirePoint(x, y Opt[float64], xName, yName string) error {
	if !x.Set {
		return missing(xName)
	}
	if !y.Set {
		return missing(yName)
	}
	if x.Value < 0 {
		return &ArgError{Field: xName, Reason: "must not be negative"}
	}
	if y.Value < 0 {
		return &ArgError{Field: yName, Reason: "must not be negative"}
	}
	return nil
}
