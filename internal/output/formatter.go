// Package output renders engine requests, responses and redirect chains for
// the terminal.
package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/endpoint"
)

// Formatter renders requests and responses with the active color scheme.
type Formatter struct {
	verbose bool
	scheme  *ColorScheme
}

// NewFormatter creates a formatter. With noColor, or when stdout is not a
// terminal, all styling is disabled.
func NewFormatter(verbose, noColor bool) *Formatter {
	scheme := DefaultColorScheme()
	if noColor || !TerminalSupportsColor() {
		scheme = NoColorScheme()
	}
	return &Formatter{verbose: verbose, scheme: scheme}
}

// FormatRequest renders the shaped request of a delivered connection.
func (f *Formatter) FormatRequest(req *client.Request, resourceURL string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s\n",
		f.scheme.Method.Sprint(req.Method),
		f.scheme.URL.Sprint(resourceURL)))
	if f.verbose {
		f.writeHeaders(&sb, headerLines(req.Header))
	}
	return sb.String()
}

// FormatResponse renders a response head and, when given, its body.
func (f *Formatter) FormatResponse(resp *client.Response, body []byte) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %s\n",
		resp.Proto, f.statusColor(resp.StatusCode).Sprint(resp.Status)))
	if f.verbose {
		f.writeHeaders(&sb, headerLines(resp.Header))
	}
	if len(body) > 0 {
		sb.WriteString("\n")
		sb.WriteString(f.formatBody(body))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatRedirects renders the endpoints visited before the final one.
func (f *Formatter) FormatRedirects(visited []endpoint.Endpoint, final string) string {
	if len(visited) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, ep := range visited {
		sb.WriteString(f.scheme.Redirect.Sprintf("→ %s", ep.String()))
		sb.WriteString("\n")
	}
	sb.WriteString(f.scheme.Redirect.Sprintf("→ %s", final))
	sb.WriteString("\n")
	return sb.String()
}

func (f *Formatter) writeHeaders(sb *strings.Builder, lines []headerLine) {
	for _, line := range lines {
		sb.WriteString(fmt.Sprintf("  %s: %s\n",
			f.scheme.HeaderKey.Sprint(line.key),
			f.scheme.HeaderValue.Sprint(line.value)))
	}
}

// formatBody pretty-prints JSON bodies and passes everything else through.
func (f *Formatter) formatBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if gjson.ValidBytes(trimmed) && len(trimmed) > 0 &&
		(trimmed[0] == '{' || trimmed[0] == '[') {
		var out bytes.Buffer
		if err := json.Indent(&out, trimmed, "", "  "); err == nil {
			return out.String()
		}
	}
	return string(body)
}

func (f *Formatter) statusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return f.scheme.StatusOK
	case code >= 300 && code < 400:
		return f.scheme.StatusWarn
	default:
		return f.scheme.StatusError
	}
}

type headerLine struct {
	key   string
	value string
}

func headerLines(h map[string][]string) []headerLine {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]headerLine, 0, len(h))
	for _, k := range keys {
		for _, v := range h[k] {
			lines = append(lines, headerLine{key: k, value: v})
		}
	}
	return lines
}
