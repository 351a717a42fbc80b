package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"lenrd/pkg/command"
)

// renderVariables turns task variables into "-s key=value" post-options in key
// order. Every invalid entry is reported.
func renderVariables(vars map[string]any) ([]string, []string) {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var options, problems []string
	seen := make(map[string]bool, len(keys))
	for _, raw := range keys {
		key := strings.TrimSpace(raw)
		switch {
		case key == "":
			problems = append(problems, "task variable key must be a non-empty string")
			continue
		case !validKey(key):
			problems = append(problems, fmt.Sprintf("task variable key [%s] can't contain whitespace or quotes", raw))
			continue
		case seen[key]:
			problems = append(problems, fmt.Sprintf("task variable key [%s] is given more than once", key))
			continue
		}
		seen[key] = true

		value, ok := formatValue(vars[raw])
		if !ok {
			problems = append(problems, fmt.Sprintf("task variable [%s] must be a string or a number", key))
			continue
		}
		options = append(options, command.SetOption(key, value))
	}
	return options, problems
}

func validKey(key string) bool {
	return strings.IndexFunc(key, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\'' || r == '`'
	}) < 0
}

func formatValue(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return "", false
		}
		return n.String(), true
	case float64:
		return formatFloat(n)
	case float32:
		return formatFloat(float64(n))
	case int:
		return strconv.FormatInt(int64(n), 10), true
	case int8:
		return strconv.FormatInt(int64(n), 10), true
	case int16:
		return strconv.FormatInt(int64(n), 10), true
	case int32:
		return strconv.FormatInt(int64(n), 10), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case uint:
		return strconv.FormatUint(uint64(n), 10), true
	case uint8:
		return strconv.FormatUint(uint64(n), 10), true
	case uint16:
		return strconv.FormatUint(uint64(n), 10), true
	case uint32:
		return strconv.FormatUint(uint64(n), 10), true
	case uint64:
		return strconv.FormatUint(n, 10), true
	default:
		return "", false
	}
}

func formatFloat(f float64) (string, bool) {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}
