// Package resolver copies declared header and body fields from a previous
// response into the next request of a chain.
package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polisai/polis-chain/pkg/domain"
)

// Dependencies names the fields the next request takes from the previous
// response.
type Dependencies struct {
	Headers []string
	Body    []string
}

// FromDeclarations builds Dependencies from the declaration maps used on a
// flow. Only the keys matter; placeholder values are ignored. Names are sorted
// so resolution order is stable.
func FromDeclarations(headers map[string]string, body map[string]any) Dependencies {
	deps := Dependencies{}
	for name := range headers {
		deps.Headers = append(deps.Headers, name)
	}
	for name := range body {
		deps.Body = append(deps.Body, name)
	}
	sort.Strings(deps.Headers)
	sort.Strings(deps.Body)
	return deps
}

// Empty reports whether nothing is declared.
func (d Dependencies) Empty() bool {
	return len(d.Headers) == 0 && len(d.Body) == 0
}

// Resolve returns a copy of next with every declared field that exists in
// prev copied across. next is never modified. Missing source fields leave the
// destination untouched. A resolved header replaces any case variant of its
// name already present on next.
func Resolve(prev domain.ResponseEnvelope, next domain.RequestSpec, deps Dependencies) (domain.RequestSpec, error) {
	out := next.Clone()
	if deps.Empty() {
		return out, nil
	}

	for _, name := range deps.Headers {
		value, ok := prev.Headers.Get(name)
		if !ok {
			continue
		}
		if out.Headers == nil {
			out.Headers = domain.Headers{}
		}
		out.Headers.Set(name, value)
	}

	if len(deps.Body) == 0 {
		return out, nil
	}

	source := sourceFields(prev.Body)
	found := make([]string, 0, len(deps.Body))
	for _, name := range deps.Body {
		if _, ok := source[name]; ok {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return out, nil
	}

	body, err := patchBody(out.Body, source, found)
	if err != nil {
		return domain.RequestSpec{}, err
	}
	out.Body = body
	return out, nil
}

// sourceFields returns the top-level fields of a response body. Bodies that
// are not JSON objects contribute nothing.
func sourceFields(body any) map[string]any {
	switch typed := body.(type) {
	case nil:
		return nil
	case map[string]any:
		return typed
	case json.RawMessage:
		return rawFields(typed)
	case []byte:
		return rawFields(typed)
	case string:
		return rawFields([]byte(typed))
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return nil
		}
		return rawFields(raw)
	}
}

func rawFields(raw []byte) map[string]any {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil
	}
	fields := map[string]any{}
	parsed.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value.Value()
		return true
	})
	return fields
}

func patchBody(body any, source map[string]any, names []string) (any, error) {
	switch typed := body.(type) {
	case nil:
		patched := make(map[string]any, len(names))
		for _, name := range names {
			patched[name] = domain.CloneValue(source[name])
		}
		return patched, nil
	case map[string]any:
		for _, name := range names {
			typed[name] = domain.CloneValue(source[name])
		}
		return typed, nil
	case json.RawMessage:
		patched, err := patchRaw(typed, source, names)
		return json.RawMessage(patched), err
	case []byte:
		return patchRaw(typed, source, names)
	case string:
		patched, err := patchRaw([]byte(typed), source, names)
		return string(patched), err
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBodyNotPatchable, err)
		}
		var asMap map[string]any
		if err := json.Unmarshal(raw, &asMap); err != nil || asMap == nil {
			return nil, fmt.Errorf("%w: body of type %T is not an object", domain.ErrBodyNotPatchable, body)
		}
		return patchBody(asMap, source, names)
	}
}

func patchRaw(raw []byte, source map[string]any, names []string) ([]byte, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%w: raw body is not a JSON object", domain.ErrBodyNotPatchable)
	}
	var err error
	for _, name := range names {
		path, ok := literalPath(name)
		if !ok {
			raw, err = setViaMap(raw, name, source[name])
		} else {
			raw, err = sjson.SetBytes(raw, path, source[name])
		}
		if err != nil {
			return nil, fmt.Errorf("%w: set %q: %v", domain.ErrBodyNotPatchable, name, err)
		}
	}
	return raw, nil
}

// literalPath escapes name for use as a single-key sjson path. Names holding
// sjson query characters cannot be expressed and report false.
func literalPath(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, "|#@*?") {
		return "", false
	}
	var b strings.Builder
	for i, r := range name {
		if r == '\\' || r == '.' || (i == 0 && r == ':') {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String(), true
}

func setViaMap(raw []byte, name string, value any) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields[name] = value
	return json.Marshal(fields)
}
