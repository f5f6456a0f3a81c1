/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: envelope.go
Description: Vendor API response envelope. Two shapes occur in the wild: a nested
{"result":{"code","message"},"data"} and a flat {"code","message","data"}. Either is a success
only when its code is zero.
*/

package enrich

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrAPI is returned for a well-formed envelope with a non-zero code.
var ErrAPI = errors.New("API returned an error")

type status struct {
	Code    *json.Number `json:"code"`
	Message string       `json:"message"`
}

type envelope struct {
	Result *status `json:"result"`
	status
	Data json.RawMessage `json:"data"`
}

// APIError describes a non-zero envelope code.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: code %s", ErrAPI, e.Code)
	}
	return fmt.Sprintf("%v: code %s: %s", ErrAPI, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return ErrAPI }

func isZero(n *json.Number) bool {
	if n == nil {
		return false
	}
	v, err := n.Int64()
	return err == nil && v == 0
}

// Decode validates the envelope and returns its data payload as a generic value. When the
// envelope has no data member the whole body is returned.
func Decode(body []byte) (any, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	ok := (env.Result != nil && isZero(env.Result.Code)) || isZero(env.Code)
	if !ok {
		apiErr := &APIError{Code: "missing", Message: env.Message}
		if env.Result != nil {
			if env.Result.Code != nil {
				apiErr.Code = env.Result.Code.String()
			}
			if env.Result.Message != "" {
				apiErr.Message = env.Result.Message
			}
		}
		if apiErr.Code == "missing" && env.Code != nil {
			apiErr.Code = env.Code.String()
		}
		if apiErr.Message == "" {
			apiErr.Message = "Unknown"
		}
		return nil, apiErr
	}

	raw := env.Data
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = body
	}
	var data any
	dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("invalid data payload: %w", err)
	}
	return data, nil
}

// str returns the first of keys present in m as a trimmed string.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case bool:
			return fmt.Sprint(v)
		}
	}
	return ""
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func objects(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m := object(item); m != nil {
			out = append(out, m)
		}
	}
	return out
}
