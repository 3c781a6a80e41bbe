package agentapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a request the backend rejected, either with a non-2xx status
// or with a 2xx envelope that reports failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// extractor looks for an error message in one place of a decoded body.
type extractor func(doc map[string]json.RawMessage) (string, bool)

// extractors run in priority order; the first hit wins.
var extractors = []extractor{
	arrayField("error"),
	arrayField("errors"),
	dataArrays,
	errorObject,
	messageField,
	dataErrorObject,
}

// ExtractErrorMessage pulls a human-readable message out of an error body.
// It checks, in order: a top-level error array, a top-level errors array,
// data.error / data.errors arrays, a top-level error object's message, a
// top-level message field, and finally a data.error object.
func ExtractErrorMessage(body []byte) (string, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	for _, ex := range extractors {
		if msg, ok := ex(doc); ok {
			return msg, true
		}
	}
	return "", false
}

func arrayField(name string) extractor {
	return func(doc map[string]json.RawMessage) (string, bool) {
		return messagesFromArray(doc[name])
	}
}

func dataArrays(doc map[string]json.RawMessage) (string, bool) {
	data := object(doc["data"])
	if data == nil {
		return "", false
	}
	if msg, ok := messagesFromArray(data["error"]); ok {
		return msg, true
	}
	return messagesFromArray(data["errors"])
}

func errorObject(doc map[string]json.RawMessage) (string, bool) {
	raw, ok := doc["error"]
	if !ok {
		return "", false
	}
	if msg := messageOf(raw); msg != "" {
		return msg, true
	}
	return "", false
}

// dataErrorObject covers {"data":{"error":{"message":...}}}, which some
// handlers return instead of an array.
func dataErrorObject(doc map[string]json.RawMessage) (string, bool) {
	data := object(doc["data"])
	if data == nil {
		return "", false
	}
	if msg := messageOf(data["error"]); msg != "" {
		return msg, true
	}
	return "", false
}

func messageField(doc map[string]json.RawMessage) (string, bool) {
	var msg string
	if err := json.Unmarshal(doc["message"], &msg); err != nil || msg == "" {
		return "", false
	}
	return msg, true
}

func messagesFromArray(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", false
	}
	var msgs []string
	for _, item := range items {
		if msg := messageOf(item); msg != "" {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return "", false
	}
	return strings.Join(msgs, "; "), true
}

// messageOf reads a bare string, or an object's message, data.message or
// name, in that order.
func messageOf(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	obj := object(raw)
	if obj == nil {
		return ""
	}
	if err := json.Unmarshal(obj["message"], &s); err == nil && s != "" {
		return s
	}
	if data := object(obj["data"]); data != nil {
		if err := json.Unmarshal(data["message"], &s); err == nil && s != "" {
			return s
		}
	}
	if err := json.Unmarshal(obj["name"], &s); err == nil {
		return s
	}
	return ""
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func present(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", `""`, "[]", "{}":
		return false
	}
	return true
}

func isFalse(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "false"
}

// IsFailureEnvelope reports whether a 2xx body still describes a failure:
// a top-level error(s) field, success=false, or the same inside data.
func IsFailureEnvelope(body []byte) bool {
	doc := object(body)
	if doc == nil {
		return false
	}
	if present(doc["error"]) || present(doc["errors"]) || isFalse(doc["success"]) {
		return true
	}
	data := object(doc["data"])
	if data == nil {
		return false
	}
	return present(data["error"]) || present(data["errors"]) || isFalse(data["success"])
}

// CheckResponse turns a response into an *APIError when either the status
// or the envelope reports failure.
func CheckResponse(status int, body []byte) error {
	if status < 200 || status >= 300 {
		msg, ok := ExtractErrorMessage(body)
		if !ok {
			msg = truncate(strings.TrimSpace(string(body)), 200)
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{StatusCode: status, Message: msg}
	}
	if IsFailureEnvelope(body) {
		msg, ok := ExtractErrorMessage(body)
		if !ok {
			msg = "request failed"
		}
		return &APIError{StatusCode: status, Message: msg}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
