package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/scrypster/castlist/internal/boundary"
	"github.com/scrypster/castlist/pkg/types"
)

// CharacterResponse is the validated result of one extraction call.
type CharacterResponse struct {
	Characters []types.Extraction `json:"characters"`
}

var (
	fencePattern      = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")
	openFencePattern  = regexp.MustCompile("^```[a-zA-Z]*\\s*")
	charactersPattern = regexp.MustCompile(`(?s)\{\s*"characters"\s*:\s*\[.*\]\s*\}`)
)

// boilerplatePrefixes are lead-ins models add despite instructions.
var boilerplatePrefixes = []string{
	"here's the analysis:",
	"here is the analysis:",
	"here's the json:",
	"here is the json:",
	"here are the characters:",
	"analysis:",
	"json:",
}

var errEmptyResponse = errors.New("empty response")

// ParseCharacters turns raw LLM text into validated extraction records.
//
// The text is cleaned (code fences, surrounding commentary, boilerplate), then
// strictly parsed. If that fails the JSON is repaired by closing a dangling
// string and any unclosed brackets, and as a last resort the outermost object
// holding a "characters" key is pulled out by pattern. A response whose object
// lacks a usable "characters" list yields an empty result, not an error.
func ParseCharacters(raw string) (*CharacterResponse, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, boundary.NewParseError(raw, errEmptyResponse)
	}

	cleaned := cleanResponse(raw)

	resp, strictErr := decodeCharacters(cleaned)
	if strictErr == nil {
		return resp, nil
	}

	if repaired := repairJSON(cleaned); repaired != cleaned {
		if resp, err := decodeCharacters(repaired); err == nil {
			return resp, nil
		}
	}

	if match := charactersPattern.FindString(raw); match != "" {
		if resp, err := decodeCharacters(match); err == nil {
			return resp, nil
		}
	}

	return nil, boundary.NewParseError(raw, strictErr)
}

// cleanResponse applies the fence, brace-narrowing and prefix stages.
func cleanResponse(raw string) string {
	text := strings.TrimSpace(raw)

	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	} else if strings.HasPrefix(text, "```") {
		// Opening fence with the closing one lost to truncation.
		text = strings.TrimSpace(openFencePattern.ReplaceAllString(text, ""))
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		} else {
			text = text[start:]
		}
	}

	lower := strings.ToLower(text)
	for _, prefix := range boilerplatePrefixes {
		if strings.HasPrefix(lower, prefix) {
			text = strings.TrimSpace(text[len(prefix):])
			lower = strings.ToLower(text)
		}
	}
	return text
}

// decodeCharacters strictly parses text as a JSON object.
func decodeCharacters(text string) (*CharacterResponse, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}

	resp := &CharacterResponse{Characters: []types.Extraction{}}
	list := bytes.TrimSpace(obj["characters"])
	if len(list) == 0 || list[0] != '[' {
		return resp, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return resp, nil
	}
	for _, item := range items {
		var wc wireCharacter
		if err := json.Unmarshal(item, &wc); err != nil {
			continue
		}
		if ext, ok := wc.toExtraction(); ok {
			resp.Characters = append(resp.Characters, ext)
		}
	}
	return resp, nil
}

// repairJSON closes a dangling string and appends the missing closers in
// nesting order. It also drops a trailing comma and completes a key left
// without a value.
func repairJSON(text string) string {
	var stack []byte
	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if escape {
			escape = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	if inString {
		if escape {
			// A lone trailing backslash would escape our closing quote.
			s := b.String()
			b.Reset()
			b.WriteString(s[:len(s)-1])
		}
		b.WriteByte('"')
	}

	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		out += "null"
	}

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		closers.WriteByte(stack[i])
	}
	return out + closers.String()
}

// wireCharacter is the tolerant decode target for one LLM character object.
type wireCharacter struct {
	Name          flexText   `json:"name"`
	PreferredName flexText   `json:"preferredName"`
	Aliases       stringList `json:"aliases"`
	Confidence    flexNumber `json:"confidence"`
	Description   flexText   `json:"description"`
	Physical      flexText   `json:"physical"`
	Personality   flexText   `json:"personality"`
	Background    flexText   `json:"background"`
	Relationships stringList `json:"relationships"`
}

func (w wireCharacter) toExtraction() (types.Extraction, bool) {
	name := strings.TrimSpace(string(w.Name))
	if name == "" {
		name = strings.TrimSpace(string(w.PreferredName))
	}
	if name == "" {
		return types.Extraction{}, false
	}

	ext := types.Extraction{
		Name:        name,
		Confidence:  normalizeConfidence(w.Confidence),
		Description: strings.TrimSpace(string(w.Description)),
		Physical:    strings.TrimSpace(string(w.Physical)),
		Personality: strings.TrimSpace(string(w.Personality)),
		Background:  strings.TrimSpace(string(w.Background)),
	}

	seen := map[string]bool{name: true}
	for _, a := range w.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		ext.Aliases = append(ext.Aliases, a)
	}

	seenRel := map[string]bool{}
	for _, r := range w.Relationships {
		r = strings.TrimSpace(r)
		if r == "" || seenRel[r] {
			continue
		}
		seenRel[r] = true
		ext.Relationships = append(ext.Relationships, r)
	}
	return ext, true
}

// normalizeConfidence maps the model's score into 0..100. Fractions below one
// are read as 0..1 scores.
func normalizeConfidence(n flexNumber) int {
	if !n.set || math.IsNaN(n.value) {
		return types.DefaultConfidence
	}
	v := n.value
	if v > 0 && v < 1 {
		v *= 100
	}
	v = math.Round(v)
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}

// flexText accepts a string, number, bool, list or object and renders it as text.
type flexText string

func (f *flexText) UnmarshalJSON(data []byte) error {
	*f = flexText(renderValue(data))
	return nil
}

// stringList accepts a list or a single string. Comma-separated strings are split.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] == 'n' {
		*s = nil
		return nil
	}
	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			if text := renderValue(item); text != "" {
				out = append(out, text)
			}
		}
		*s = out
		return nil
	}
	text := renderValue(data)
	if text == "" {
		*s = nil
		return nil
	}
	var out []string
	for _, part := range strings.Split(text, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*s = out
	return nil
}

// flexNumber accepts a number or a numeric string.
type flexNumber struct {
	value float64
	set   bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] == 'n' {
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		n.value, n.set = f, true
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSuffix(strings.TrimSpace(s), "%")
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			n.value, n.set = f, true
		}
	}
	return nil
}

// renderValue flattens a JSON value into a single line of text. Relationship
// objects such as {"name":"Bob","relation":"brother"} become "Bob (brother)".
func renderValue(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	return renderAny(v)
}

func renderAny(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := renderAny(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	case map[string]any:
		return renderObject(val)
	default:
		return fmt.Sprint(val)
	}
}

func renderObject(obj map[string]any) string {
	who := firstString(obj, "name", "target", "character", "with")
	what := firstString(obj, "relationship", "relation", "type", "description")
	switch {
	case who != "" && what != "":
		return fmt.Sprintf("%s (%s)", who, what)
	case who != "":
		return who
	case what != "":
		return what
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if s := renderAny(obj[k]); s != "" {
			parts = append(parts, k+": "+s)
		}
	}
	return strings.Join(parts, ", ")
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
