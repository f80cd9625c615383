package domain

import (
	"bytes"
	"encoding/json"
)

// CloneValue deep-copies the container shapes used for request and response
// bodies. Scalars and unknown types are returned as is.
func CloneValue(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = CloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = CloneValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = val
		}
		return out
	case Headers:
		return typed.Clone()
	case []string:
		return append([]string(nil), typed...)
	case json.RawMessage:
		return json.RawMessage(bytes.Clone(typed))
	case []byte:
		return bytes.Clone(typed)
	case RequestSpec:
		return typed.Clone()
	case *RequestSpec:
		if typed == nil {
			return typed
		}
		cp := typed.Clone()
		return &cp
	case ResponseEnvelope:
		return typed.Clone()
	case *ResponseEnvelope:
		if typed == nil {
			return typed
		}
		cp := typed.Clone()
		return &cp
	case []ResponseEnvelope:
		out := make([]ResponseEnvelope, len(typed))
		for i, resp := range typed {
			out[i] = resp.Clone()
		}
		return out
	default:
		return v
	}
}

// View converts an engine value into plain maps and slices so scripts and
// predicates can address fields by name. The result never aliases v.
//
// A response becomes {status, headers, body, data}, where data repeats body.
// A request becomes {method, url, headers, body}. An error becomes
// {error: message}. Raw JSON bodies are decoded.
func View(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case ResponseEnvelope:
		return responseView(typed)
	case *ResponseEnvelope:
		if typed == nil {
			return nil
		}
		return responseView(*typed)
	case []ResponseEnvelope:
		out := make([]any, len(typed))
		for i, resp := range typed {
			out[i] = responseView(resp)
		}
		return out
	case RequestSpec:
		return requestView(typed)
	case *RequestSpec:
		if typed == nil {
			return nil
		}
		return requestView(*typed)
	case error:
		return map[string]any{"error": typed.Error()}
	case json.RawMessage:
		return decodeRaw(typed)
	case []byte:
		return decodeRaw(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = View(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = View(item)
		}
		return out
	default:
		return CloneValue(v)
	}
}

func responseView(r ResponseEnvelope) map[string]any {
	body := bodyView(r.Body)
	return map[string]any{
		"status":  r.Status,
		"headers": headersView(r.Headers),
		"body":    body,
		"data":    CloneValue(body),
	}
}

func requestView(r RequestSpec) map[string]any {
	return map[string]any{
		"method":  r.Method,
		"url":     r.URL,
		"headers": headersView(r.Headers),
		"body":    bodyView(r.Body),
	}
}

func headersView(h Headers) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func bodyView(body any) any {
	switch typed := body.(type) {
	case json.RawMessage:
		return decodeRaw(typed)
	case []byte:
		return decodeRaw(typed)
	default:
		return View(body)
	}
}

// decodeRaw decodes JSON bytes, falling back to the text when they are not JSON.
func decodeRaw(raw []byte) any {
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
