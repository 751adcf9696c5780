package cli

import (
	"fmt"
	"io"
)

// Result is a one-line outcome with optional details.
type Result struct {
	out     *Output
	meta    Meta
	message string
	details []kvPair
}

// With adds a detail.
func (r *Result) With(key string, value any) *Result {
	r.details = append(r.details, kvPair{key: key, value: value})
	return r
}

// Render writes the result.
func (r *Result) Render() error {
	return r.out.Render(r)
}

func (r *Result) Meta() Meta {
	return r.meta
}

func (r *Result) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.message); err != nil {
		return err
	}
	for _, d := range r.details {
		if _, err := fmt.Fprintf(w, "  %s: %v\n", d.key, d.value); err != nil {
			return err
		}
	}
	return nil
}

// Data returns the message and details as an object.
func (r *Result) Data() any {
	out := map[string]any{"message": r.message}
	for _, d := range r.details {
		out[dataKey(d.key)] = d.value
	}
	return out
}
