package cli

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// KV is an ordered set of key-value pairs.
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

// Set appends a pair.
func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

// Render writes the pairs.
func (k *KV) Render() error {
	return k.out.Render(k)
}

func (k *KV) Meta() Meta {
	return k.meta
}

// RenderText writes aligned "key: value" lines.
func (k *KV) RenderText(w io.Writer) error {
	if len(k.pairs) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	opts := &tw.Style().Options
	opts.DrawBorder = false
	opts.SeparateColumns = false
	opts.SeparateRows = false
	opts.SeparateHeader = false
	for _, p := range k.pairs {
		tw.AppendRow(table.Row{p.key + ":", fmt.Sprint(p.value)})
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// Data returns the pairs as an object.
func (k *KV) Data() any {
	out := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		out[dataKey(p.key)] = p.value
	}
	return out
}
