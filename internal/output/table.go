package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// RenderSettings writes settings in the requested format.
func RenderSettings(w io.Writer, format Format, settings []Setting) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Nest(settings))
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(Nest(settings)); err != nil {
			return err
		}
		return enc.Close()
	default:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Key", "Value"})
		for _, s := range settings {
			t.AppendRow(table.Row{s.Key, fmt.Sprint(s.Value)})
		}
		t.Render()
		return nil
	}
}

// Check is one diagnostic result.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	OK     bool   `json:"ok" yaml:"ok"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// RenderChecks writes doctor results in the requested format.
func RenderChecks(w io.Writer, format Format, checks []Check) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(checks)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(checks); err != nil {
			return err
		}
		return enc.Close()
	default:
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Check", "Status", "Detail"})
		passed := 0
		for _, c := range checks {
			status := "FAIL"
			if c.OK {
				status = "ok"
				passed++
			}
			t.AppendRow(table.Row{c.Name, status, c.Detail})
		}
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d", passed, len(checks)), ""})
		t.Render()
		return nil
	}
}
