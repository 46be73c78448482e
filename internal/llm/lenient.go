package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	reFenced       = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	reFieldsObject = regexp.MustCompile(`"extracted_fields"\s*:\s*\{`)
)

var errNoJSON = errors.New("no JSON object in model output")

// RecoverJSON finds the JSON object in a model reply. It tries, in order,
// the whole reply, a fenced code block, the outermost {...} span and
// finally a bare "extracted_fields" object.
func RecoverJSON(reply string) ([]byte, error) {
	s := strings.TrimSpace(reply)
	if isObject(s) {
		return []byte(s), nil
	}
	if m := reFenced.FindStringSubmatch(s); m != nil && isObject(m[1]) {
		return []byte(m[1]), nil
	}
	if i, j := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}'); i >= 0 && j > i && isObject(s[i:j+1]) {
		return []byte(s[i : j+1]), nil
	}
	if loc := reFieldsObject.FindStringIndex(s); loc != nil {
		start := loc[1] - 1
		if end := matchBrace(s, start); end > start && isObject(s[start:end+1]) {
			var buf bytes.Buffer
			buf.WriteString(`{"extracted_fields":`)
			buf.WriteString(s[start : end+1])
			buf.WriteString(`,"missing_fields":[]}`)
			return buf.Bytes(), nil
		}
	}
	return nil, errNoJSON
}

func isObject(s string) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &m) == nil
}

// matchBrace returns the index of the brace closing s[open], skipping strings.
func matchBrace(s string, open int) int {
	depth := 0
	inStr, esc := false, false
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case inStr && c == '\\':
			esc = true
		case c == '"':
			inStr = !inStr
		case inStr:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
