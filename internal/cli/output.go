package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// Field is one labelled value of text output.
type Field struct {
	Name  string
	Value any
}

// printer writes either an indented JSON document or aligned text lines.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(opts *RootOptions, w io.Writer) *printer {
	return &printer{format: opts.Format, w: w}
}

// print writes v as JSON, or fields as "name: value" lines.
func (p *printer) print(v any, fields ...Field) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Name))
	}
	for _, f := range fields {
		if _, err := fmt.Fprintf(p.w, "%-*s  %v\n", width+1, f.Name+":", f.Value); err != nil {
			return err
		}
	}
	return nil
}
