package workspace

import (
	"encoding/json"
	"html"

	"github.com/bytedance/sonic"
	"github.com/microcosm-cc/bluemonday"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/types"
)

// maxSanitizePasses bounds the strip/unescape loop in text
const maxSanitizePasses = 4

// sanitizer strips markup from text arriving from the frame. The result is
// plain text: entities are decoded so "R&D" and "x < 5" survive unchanged.
type sanitizer struct {
	policy *bluemonday.Policy
}

func newSanitizer() *sanitizer {
	return &sanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *sanitizer) event(ev types.AnnotationEvent) (types.AnnotationEvent, error) {
	ev.Label = s.text(ev.Label)
	ev.Text = s.text(ev.Text)
	ev.Comment = s.text(ev.Comment)
	if len(ev.Data) > 0 {
		data, err := s.json(ev.Data)
		if err != nil {
			return ev, err
		}
		ev.Data = data
	}
	return ev, nil
}

// text strips tags and decodes the entities bluemonday escapes. Decoding
// can surface markup that was written as entities, so it repeats until
// the value is stable.
func (s *sanitizer) text(in string) string {
	out := in
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			return out
		}
		out = next
	}
	return s.policy.Sanitize(out)
}

// json sanitizes every string value and key in a JSON document
func (s *sanitizer) json(raw json.RawMessage) (json.RawMessage, error) {
	var v interface{}
	if err := sonic.ConfigStd.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return sonic.ConfigStd.Marshal(s.value(v))
}

func (s *sanitizer) value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return s.text(t)
	case []interface{}:
		for i := range t {
			t[i] = s.value(t[i])
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[s.text(k)] = s.value(val)
		}
		return out
	default:
		return v
	}
}
