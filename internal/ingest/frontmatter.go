package ingest

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	yaml "gopkg.in/yaml.v3"
)

// parsedDoc is the result of splitting a raw markdown blob into its
// front-matter map and body.
type parsedDoc struct {
	Frontmatter map[string]any
	Body        string
}

// parseFrontmatter splits a `---`-fenced YAML front-matter block from the
// body. If no fence is present at the top of the file, the whole blob is
// the body and Frontmatter is empty.
func parseFrontmatter(raw string) parsedDoc {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return parsedDoc{Frontmatter: map[string]any{}, Body: raw}
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fmBlock := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			var fm map[string]any
			if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil || fm == nil {
				fm = map[string]any{}
			}
			return parsedDoc{Frontmatter: fm, Body: body}
		}
	}
	// unterminated fence: treat entire blob as body
	return parsedDoc{Frontmatter: map[string]any{}, Body: raw}
}

func frontmatterString(fm map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := fm[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return s, true
			}
		}
	}
	return "", false
}

// frontmatterCreatedAt parses date/created/created_at permissively and
// normalizes to UTC.
func frontmatterCreatedAt(fm map[string]any) *time.Time {
	for _, k := range []string{"date", "created", "created_at"} {
		v, ok := fm[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			u := t.UTC()
			return &u
		case string:
			if parsed, err := dateparse.ParseAny(t); err == nil {
				u := parsed.UTC()
				return &u
			}
		}
	}
	return nil
}

// frontmatterTags extracts the raw tags/tag value, which may be a
// comma/semicolon-delimited string or a YAML sequence.
func frontmatterTags(fm map[string]any) []string {
	for _, k := range []string{"tags", "tag"} {
		v, ok := fm[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case string:
			return []string{t}
		case []any:
			var out []string
			for _, e := range t {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}
