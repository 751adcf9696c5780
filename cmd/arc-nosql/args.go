package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gezibash/arc-nosql/pkg/query"
)

// parseIndexes parses repeated key=value flags.
func parseIndexes(pairs []string) (query.Indexes, error) {
	idx := make(query.Indexes, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("index %q: want key=value", p)
		}
		idx[k] = v
	}
	return idx, nil
}

// Longer operators first so ">=" is not read as ">".
var filterOps = []string{">=", "<=", "=", ">", "<"}

// parseFilter parses one filter group: comma separated conditions such as
// "schema=post,published>=2024-01-01,published<2025-01-01". Range
// conditions on the same attribute are combined.
func parseFilter(s string) (query.Filter, error) {
	f := query.Filter{}
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		attr, op, value, err := splitCondition(part)
		if err != nil {
			return nil, err
		}
		cond := f[attr]
		if op == "=" {
			if cond.Range != nil || cond.Equal != nil {
				return nil, fmt.Errorf("filter %q: %s constrained twice", s, attr)
			}
			f[attr] = query.Equal(value)
			continue
		}
		if cond.Equal != nil {
			return nil, fmt.Errorf("filter %q: %s constrained twice", s, attr)
		}
		if cond.Range == nil {
			cond.Range = &query.Range{}
		}
		switch op {
		case ">":
			cond.Range.GT = value
		case ">=":
			cond.Range.GTE = value
		case "<":
			cond.Range.LT = value
		case "<=":
			cond.Range.LTE = value
		}
		f[attr] = cond
	}
	if len(f) == 0 {
		return nil, fmt.Errorf("filter %q has no conditions", s)
	}
	return f, nil
}

func splitCondition(s string) (attr, op, value string, err error) {
	at := -1
	for _, candidate := range filterOps {
		if i := strings.Index(s, candidate); i > 0 && (at < 0 || i < at) {
			at, op = i, candidate
		}
	}
	if at < 0 {
		return "", "", "", fmt.Errorf("condition %q: want attr=value or attr>=value", s)
	}
	return s[:at], op, s[at+len(op):], nil
}

// parseFilters parses every --filter flag; each is one OR group.
func parseFilters(groups []string) ([]query.Filter, error) {
	out := make([]query.Filter, 0, len(groups))
	for _, g := range groups {
		f, err := parseFilter(g)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// parseSort parses "property" or "property:desc".
func parseSort(s string) (query.Sort, error) {
	if s == "" {
		return query.Sort{}, nil
	}
	prop, dir, _ := strings.Cut(s, ":")
	sort := query.Sort{Property: prop, Direction: query.Ascending}
	switch dir {
	case "", "asc":
	case "desc":
		sort.Direction = query.Descending
	default:
		return query.Sort{}, fmt.Errorf("sort %q: direction must be asc or desc", s)
	}
	return sort, nil
}

// readInput reads a file argument, or stdin for "-".
func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name) //nolint:gosec // G304: intentional CLI file read
}
