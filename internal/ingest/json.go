package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"presenceguard/internal/normalize"
)

var (
	ErrUnknownAction  = errors.New("unknown decision")
	ErrMissingStudent = errors.New("decision has no student id")
)

// ParseDecisionBytes decodes a JSON decision. fallbackStudent is used when
// the body does not name the student, e.g. when it travels as a message key.
func ParseDecisionBytes(data []byte, fallbackStudent string) (Decision, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return Decision{}, err
	}
	return ParseDecisionMap(obj, fallbackStudent)
}

func ParseDecisionMap(obj map[string]interface{}, fallbackStudent string) (Decision, error) {
	extras := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		extras[strings.ToLower(key)] = fmt.Sprint(val)
	}
	d := Decision{
		StudentID: firstNonEmpty(extras, "student_id", "studentid", "student", "user_id"),
		Admin:     firstNonEmpty(extras, "admin", "admin_id", "approved_by", "actor"),
		Timestamp: time.Now().UTC(),
	}
	if d.StudentID == "" {
		d.StudentID = strings.TrimSpace(fallbackStudent)
	}
	if d.StudentID == "" {
		return Decision{}, ErrMissingStudent
	}
	action, err := parseAction(firstNonEmpty(extras, "decision", "action", "status", "result"))
	if err != nil {
		return Decision{}, err
	}
	d.Action = action
	if ts := firstNonEmpty(extras, "timestamp", "time", "ts"); ts != "" {
		if parsed, err := normalize.ParseTimestamp(ts, time.UTC); err == nil {
			d.Timestamp = parsed.UTC()
		}
	}
	return d, nil
}

func parseAction(value string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "approve", "approved", "allow", "accept", "accepted":
		return ActionApprove, nil
	case "deny", "denied", "reject", "rejected":
		return ActionDeny, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, value)
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
