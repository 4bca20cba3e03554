// Package render formats command output with text/template and the sprig
// function library.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// restricted sprig helpers reach the process environment or filesystem.
var restricted = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

func funcMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	for _, name := range restricted {
		delete(funcs, name)
	}
	funcs["json"] = func(v any) (string, error) {
		raw, err := json.Marshal(v)
		return string(raw), err
	}
	return funcs
}

// Template is a compiled output template. Safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// Compile parses source. Missing map keys render as zero values.
func Compile(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("render: template %q is empty", name)
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(funcMap()).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("render: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// CompileFile reads and parses the template at path.
func CompileFile(path string) (*Template, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("render: read %q: %w", path, err)
	}
	return Compile(path, string(contents))
}

// Execute renders data to w. Output is buffered so a failing template writes
// nothing.
func (t *Template) Execute(w io.Writer, data any) error {
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("render: execute %q: %w", t.name, err)
	}
	_, err := buf.WriteTo(w)
	return err
}

// Name is the template's logical name.
func (t *Template) Name() string { return t.name }

// Output writes v with tmpl when set, otherwise as indented JSON.
func Output(w io.Writer, tmpl *Template, v any) error {
	if tmpl != nil {
		return tmpl.Execute(w, v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
