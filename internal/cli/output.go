// Package cli renders command results and runs commands against the
// configured stores.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is an output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown output format %q (text, json, yaml)", s)
}

// Meta describes a result. Cursor is set when more results can be fetched.
type Meta struct {
	Type      string    `json:"type" yaml:"type"`
	Generated time.Time `json:"generated" yaml:"generated"`
	Cursor    string    `json:"cursor,omitempty" yaml:"cursor,omitempty"`
}

// NewMeta creates metadata stamped with the current time.
func NewMeta(resultType string) Meta {
	return Meta{Type: resultType, Generated: time.Now().UTC()}
}

// Renderable is a result that renders as text or as structured data.
type Renderable interface {
	Meta() Meta
	RenderText(w io.Writer) error
	Data() any
}

// envelope is the structured form of every result.
type envelope struct {
	Meta Meta `json:"meta" yaml:"meta"`
	Data any  `json:"data" yaml:"data"`
}

// Output renders results in one format.
type Output struct {
	format Format
	w      io.Writer
}

// NewOutput creates an output writing format to w.
func NewOutput(format Format, w io.Writer) *Output {
	return &Output{format: format, w: w}
}

// Format returns the output format.
func (o *Output) Format() Format {
	return o.format
}

// Table starts a table result.
func (o *Output) Table(resultType string, headers ...string) *Table {
	return &Table{out: o, meta: NewMeta(resultType), headers: headers}
}

// KV starts a key-value result.
func (o *Output) KV(resultType string) *KV {
	return &KV{out: o, meta: NewMeta(resultType)}
}

// Result starts a one-line result.
func (o *Output) Result(resultType, message string) *Result {
	return &Result{out: o, meta: NewMeta(resultType), message: message}
}

// Render writes r.
func (o *Output) Render(r Renderable) error {
	switch o.format {
	case FormatJSON:
		enc := json.NewEncoder(o.w)
		enc.SetIndent("", "  ")
		return enc.Encode(envelope{Meta: r.Meta(), Data: r.Data()})
	case FormatYAML:
		enc := yaml.NewEncoder(o.w)
		enc.SetIndent(2)
		if err := enc.Encode(envelope{Meta: r.Meta(), Data: r.Data()}); err != nil {
			return err
		}
		return enc.Close()
	}

	if err := r.RenderText(o.w); err != nil {
		return err
	}
	if c := r.Meta().Cursor; c != "" {
		_, err := fmt.Fprintf(o.w, "\nNext page: --cursor=%s\n", c)
		return err
	}
	return nil
}
