package render

import (
	"fmt"
	"sort"
	"strings"
)

// ConfigEntry is one dotted config key ready for display.
type ConfigEntry struct {
	Key   string
	Value string
	// Secret values are already masked and are shown muted.
	Secret bool
	// Changed marks values that differ from the built-in default.
	Changed bool
}

// Config renders entries grouped by top-level section. Keys without a
// section come first.
func (r *Renderer) Config(entries []ConfigEntry) string {
	if len(entries) == 0 {
		return r.styles.Muted.Render("no values")
	}
	sorted := append([]ConfigEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		si, ni := splitKey(sorted[i].Key)
		sj, nj := splitKey(sorted[j].Key)
		if si != sj {
			return si < sj
		}
		return ni < nj
	})

	width := 0
	for _, e := range sorted {
		_, name := splitKey(e.Key)
		width = max(width, len(name))
	}

	var lines []string
	section := ""
	for i, e := range sorted {
		sec, name := splitKey(e.Key)
		if sec != "" && (i == 0 || sec != section) {
			if len(lines) > 0 {
				lines = append(lines, "")
			}
			lines = append(lines, r.styles.Section.Render("["+sec+"]"))
		}
		section = sec

		value := e.Value
		switch {
		case e.Secret:
			value = r.styles.Muted.Render(value)
		case e.Changed:
			value = r.styles.StatusWarn.Render(value)
		}
		indent := ""
		if sec != "" {
			indent = "  "
		}
		lines = append(lines, fmt.Sprintf("%s%-*s  %s", indent, width, name, value))
	}
	return strings.Join(lines, "\n")
}

// splitKey separates the top-level section from the rest of a dotted key.
func splitKey(key string) (section, name string) {
	if sec, rest, ok := strings.Cut(key, "."); ok {
		return sec, rest
	}
	return "", key
}
