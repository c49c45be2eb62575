package utils

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
)

// ParamError names the request parameter that failed to parse.
type ParamError struct {
	Name  string
	Value string
	Msg   string
}

func (e *ParamError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s %s", e.Name, e.Msg)
	}
	return fmt.Sprintf("%s %s: %q", e.Name, e.Msg, e.Value)
}

// FormValue reads key from the query string or a form-encoded body.
//
//	POST /api/nearest-shelters  latitude=37.5&longitude=127.0
//	POST /api/nearest-shelters?latitude=37.5&longitude=127.0
func FormValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.FormValue(key))
}

// RequiredFloat parses a finite float parameter that must be present.
func RequiredFloat(r *http.Request, key string) (float64, error) {
	raw := FormValue(r, key)
	if raw == "" {
		return 0, &ParamError{Name: key, Msg: "is required"}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParamError{Name: key, Value: raw, Msg: "must be a number"}
	}
	return v, nil
}

// OptionalInt parses an integer parameter, returning fallback when absent.
func OptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := FormValue(r, key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ParamError{Name: key, Value: raw, Msg: "must be an integer"}
	}
	return v, nil
}

// ParseQueryList handles both repeated and comma-separated query params.
// Blank entries are dropped.
//
//	?provinces=서울특별시,부산광역시                 → ["서울특별시","부산광역시"]
//	?provinces=서울특별시&provinces=부산광역시        → ["서울특별시","부산광역시"]
func ParseQueryList(q map[string][]string, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
