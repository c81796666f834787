// Package jsonpath extracts values from JSON documents using JSONPath-style
// expressions, translated onto gjson paths.
package jsonpath

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Extract evaluates a JSONPath expression ($.users[0].name) against a JSON
// document and returns the matched value as a string.
func Extract(doc string, path string) (string, error) {
	if doc == "" {
		return "", fmt.Errorf("empty JSON document")
	}
	if path == "" {
		return "", fmt.Errorf("empty JSONPath expression")
	}
	result := gjson.Get(doc, toGjsonPath(path))
	if !result.Exists() {
		return "", fmt.Errorf("path not found: %s", path)
	}
	if result.Type == gjson.Null {
		return "null", nil
	}
	return result.String(), nil
}

// toGjsonPath rewrites JSONPath notation into gjson's dotted form:
// $.users[0].name becomes users.0.name.
func toGjsonPath(path string) string {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}
	replacer := strings.NewReplacer("['", ".", "']", "", `["`, ".", `"]`, "", "[", ".", "]", "")
	path = replacer.Replace(path)
	return strings.TrimPrefix(path, ".")
}
