/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: patterns.go
Description: Extraction Pattern Set. An ordered list of fields, each with an ordered cascade of
matchers. Renders the batched device script and the equivalent delimited output for in-process
evaluation, so both execution paths feed the same section parser.
*/

package extract

import (
	"fmt"
	"path"
	"strings"

	"github.com/kleascm/heapkey/pkg/record"
)

// Field declares one record field and the matchers that may recover it.
type Field struct {
	Name     string      `yaml:"name" json:"name"`
	Kind     record.Kind `yaml:"kind,omitempty" json:"kind,omitempty"`
	Limit    int         `yaml:"limit,omitempty" json:"limit,omitempty"`
	Matchers []Matcher   `yaml:"matchers" json:"matchers"`
}

func (f *Field) kind() record.Kind {
	if f.Kind == "" {
		return record.Scalar
	}
	return f.Kind
}

// Header is the section label emitted before the field's output.
func (f *Field) Header() string {
	return "=== " + strings.ToUpper(f.Name) + " ==="
}

// Evaluate runs the matcher cascade in-process; the first matcher that finds anything wins.
func (f *Field) Evaluate(text string) Result {
	fns := make([]Func, len(f.Matchers))
	for i := range f.Matchers {
		fns[i] = f.Matchers[i].Func()
	}
	return Cascade(fns...)(text)
}

// shell renders the cascade as a fallback chain that prints only the winning matcher's output.
func (f *Field) shell(capture string) string {
	var b strings.Builder
	for i := range f.Matchers {
		if i == 0 {
			fmt.Fprintf(&b, "v=$(%s) ; ", f.Matchers[i].Shell(capture))
			continue
		}
		fmt.Fprintf(&b, "[ -n \"$v\" ] || v=$(%s) ; ", f.Matchers[i].Shell(capture))
	}
	b.WriteString("[ -n \"$v\" ] && echo \"$v\" ;")
	return b.String()
}

// PatternSet is the ordered battery of fields run against a capture.
type PatternSet struct {
	Fields []Field `yaml:"fields" json:"fields"`
}

// Validate compiles every matcher and rejects duplicate or malformed fields.
func (s *PatternSet) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("pattern set has no fields")
	}
	seen := make(map[string]bool)
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if f.Name != strings.ToLower(f.Name) || strings.ContainsAny(f.Name, " =") {
			return fmt.Errorf("field %q: names must be lower-case identifiers", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		switch f.kind() {
		case record.Scalar, record.List:
		default:
			return fmt.Errorf("field %q: unknown kind %q", f.Name, f.Kind)
		}
		if len(f.Matchers) == 0 {
			return fmt.Errorf("field %q has no matchers", f.Name)
		}
		for j := range f.Matchers {
			if err := f.Matchers[j].Compile(); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
	}
	return nil
}

// Field looks up a field by name.
func (s *PatternSet) Field(name string) (*Field, bool) {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i], true
		}
	}
	return nil, false
}

// Script renders the batched device command. Sections are joined with ';' so a field without a
// match never stops the fields after it, and the capture is removed at the end in every case.
func (s *PatternSet) Script(artifact string) string {
	dir, file := path.Split(artifact)
	var b strings.Builder
	if dir != "" {
		fmt.Fprintf(&b, "cd %s ;\n", strings.TrimSuffix(dir, "/"))
	}
	for i := range s.Fields {
		f := &s.Fields[i]
		fmt.Fprintf(&b, "echo \"%s\" ;\n", f.Header())
		b.WriteString(f.shell(file))
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "rm -f %s\n", file)
	return b.String()
}

// Render evaluates every field in-process and produces the same delimited output the device
// script would print.
func (s *PatternSet) Render(text string) string {
	var b strings.Builder
	for i := range s.Fields {
		f := &s.Fields[i]
		b.WriteString(f.Header())
		b.WriteString("\n")
		for _, v := range f.Evaluate(text).Values {
			b.WriteString(v)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// ExtractText runs the whole battery over a printable-text stream.
func (s *PatternSet) ExtractText(text string) *record.Record {
	return Parse(s.Render(text), s)
}

// Parse folds delimited section output into a record. Scalars keep the first non-empty line,
// lists collect distinct lines in order of appearance up to the field limit.
func Parse(output string, set *PatternSet) *record.Record {
	rec := record.New()
	current := ""
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "=== ") && strings.HasSuffix(line, " ===") && len(line) > 8 {
			current = strings.ToLower(line[4 : len(line)-4])
			continue
		}
		if line == "" || current == "" {
			continue
		}
		var f *Field
		if set != nil {
			f, _ = set.Field(current)
		}
		if f != nil && f.kind() == record.List {
			rec.Append(current, line, f.Limit)
			continue
		}
		rec.Set(current, line)
	}
	return rec
}
