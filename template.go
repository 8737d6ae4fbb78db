package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	version "github.com/hashicorp/go-version"
)

// Built-in template names, selected by science case and mode when no
// template is configured. The compressed modes of both cases share one
// template because downsampling gives them identical output dimensions.
const (
	templateCase3IQUV  = "sc3_IQUV.txt"
	templateCase4IQUV  = "sc4_IQUV.txt"
	templatePacked     = "sc34_1bit_I_reduced.txt"
	defaultTemplateDir = "templates"
)

// templateVersionConstraint is the range of template versions this writer
// understands.
const templateVersionConstraint = ">= 1.0, < 2.0"

// DefaultTemplate returns the template file name for a geometry.
func DefaultTemplate(geom *Geometry) string {
	if geom.Packed {
		return templatePacked
	}
	if geom.ScienceCase == ScienceCase3 {
		return templateCase3IQUV
	}
	return templateCase4IQUV
}

// Card is one FITS header card: a keyword, a typed value and an optional
// comment. COMMENT cards carry their text in Value.
type Card struct {
	Keyword string
	Value   interface{}
	Comment string
}

// Template is a parsed FITS header template: the cards of the primary HDU
// followed by the cards of the SUBINT table extension, split at the
// XTENSION keyword.
type Template struct {
	Name    string
	Version string
	Primary []Card
	Subint  []Card
}

// LoadTemplate reads and parses the template file name inside dir.
func LoadTemplate(dir, name string) (*Template, error) {
	raw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	return ParseTemplate(raw, name)
}

// ParseTemplate parses template text. Lines hold KEYWORD = value / comment
// cards; values are T/F booleans, integers, floats or 'quoted strings'.
// Lines starting with # are skipped and COMMENT lines become COMMENT
// cards. A TEMPLATE_VERSION card names the dialect version of the file
// and is checked against the supported range instead of being emitted.
func ParseTemplate(raw []byte, name string) (*Template, error) {
	t := &Template{Name: name}
	section := &t.Primary

	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "COMMENT"); ok {
			*section = append(*section, Card{Keyword: "COMMENT", Value: strings.TrimSpace(rest)})
			continue
		}

		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, configErrorf("template %s line %d: expected KEYWORD = value", name, i+1)
		}
		keyword := strings.TrimSpace(line[:eq])
		value, comment := splitValueComment(line[eq+1:])

		if keyword == "TEMPLATE_VERSION" {
			t.Version, _ = parseCardValue(value).(string)
			if t.Version == "" {
				t.Version = value
			}
			continue
		}
		if keyword == "" || len(keyword) > 8 {
			return nil, configErrorf("template %s line %d: bad keyword %q", name, i+1, keyword)
		}

		if keyword == "XTENSION" {
			if len(t.Subint) > 0 {
				return nil, configErrorf("template %s line %d: more than one table extension", name, i+1)
			}
			section = &t.Subint
		}
		*section = append(*section, Card{Keyword: keyword, Value: parseCardValue(value), Comment: comment})
	}

	if len(t.Subint) == 0 {
		return nil, configErrorf("template %s has no SUBINT table extension", name)
	}
	if err := t.checkVersion(); err != nil {
		return nil, err
	}
	return t, nil
}

// splitValueComment splits a card's text after the = into value and
// comment at the first / outside single quotes.
func splitValueComment(s string) (string, string) {
	inQuote := false
	for i, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '/' && !inQuote:
			return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
		}
	}
	return strings.TrimSpace(s), ""
}

func parseCardValue(s string) interface{} {
	switch {
	case s == "T":
		return true
	case s == "F":
		return false
	case strings.HasPrefix(s, "'"):
		return strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "'"), "'"))
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func (t *Template) checkVersion() error {
	if t.Version == "" {
		return nil
	}
	v, err := version.NewVersion(t.Version)
	if err != nil {
		return configErrorf("template %s version %q: %v", t.Name, t.Version, err)
	}
	constraint, err := version.NewConstraint(templateVersionConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return configErrorf("template %s version %s is outside the supported range %s", t.Name, t.Version, templateVersionConstraint)
	}
	return nil
}

// subintCard returns the value of a card in the SUBINT section.
func (t *Template) subintCard(keyword string) (interface{}, bool) {
	for _, c := range t.Subint {
		if c.Keyword == keyword {
			return c.Value, true
		}
	}
	return nil, false
}

// Validate checks the dimensional cards of the SUBINT section against a
// geometry, so a template for the wrong mode fails up front instead of
// producing files with inconsistent headers.
func (t *Template) Validate(geom *Geometry) error {
	nbits := int64(8)
	samples := int64(geom.RawSamples)
	if geom.Packed {
		nbits = 1
		samples = NumTimesLow
	}

	checks := []struct {
		keyword string
		want    int64
	}{
		{"NCHAN", int64(geom.RowChannels())},
		{"NPOL", int64(geom.NumPols)},
		{"NBITS", nbits},
		{"NSBLK", samples},
	}
	for _, c := range checks {
		value, ok := t.subintCard(c.keyword)
		if !ok {
			continue
		}
		got, ok := value.(int64)
		if !ok || got != c.want {
			return configErrorf("template %s sets %s to %v, geometry needs %d", t.Name, c.keyword, value, c.want)
		}
	}

	// The DATA column must be sized for exactly one row.
	for _, c := range t.Subint {
		if !strings.HasPrefix(c.Keyword, "TTYPE") || c.Value != "DATA" {
			continue
		}
		form, ok := t.subintCard("TFORM" + strings.TrimPrefix(c.Keyword, "TTYPE"))
		if !ok {
			continue
		}
		want := fmt.Sprintf("%dB", geom.RowSize())
		if form != want {
			return configErrorf("template %s sizes the DATA column as %v, geometry needs %s", t.Name, form, want)
		}
	}
	return nil
}
