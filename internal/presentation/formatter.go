// Package presentation renders CLI output.
package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
	asJSON bool
}

// NewFormatter creates a formatter writing tables to writer.
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{writer: writer}
}

// NewJSONFormatter creates a formatter writing indented JSON to writer.
func NewJSONFormatter(writer io.Writer) *Formatter {
	return &Formatter{writer: writer, asJSON: true}
}

// FormatRegistrations writes registrations as a table, or JSON.
func (f *Formatter) FormatRegistrations(registrations []RegistrationDTO) error {
	if f.asJSON {
		return f.FormatJSON(registrations)
	}

	tw := tabwriter.NewWriter(f.writer, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSCOPE\tINSTALLING\tWAITING\tACTIVE")
	for _, reg := range registrations {
		scope := reg.Scope
		if reg.Uninstalling {
			scope += " (uninstalling)"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			reg.ID, scope, slot(reg.Installing), slot(reg.Waiting), slot(reg.Active))
	}
	return tw.Flush()
}

// FormatWorkers writes running workers as a table, or JSON.
func (f *Formatter) FormatWorkers(workers []WorkerStatusDTO) error {
	if f.asJSON {
		return f.FormatJSON(workers)
	}

	tw := tabwriter.NewWriter(f.writer, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKER\tPENDING EVENTS")
	for _, w := range workers {
		_, _ = fmt.Fprintf(tw, "#%d\t%d\n", w.ID, w.PendingEvents)
	}
	return tw.Flush()
}

// FormatJSON writes any value as indented JSON.
func (f *Formatter) FormatJSON(result any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func slot(w *WorkerDTO) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("#%d %s", w.ID, w.State)
}
