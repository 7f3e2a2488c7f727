package jobstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

type rowScanner interface {
	Scan(dest ...any) error
}

const assignmentColumns = `
id,
job_id,
test_id,
browser,
family,
version,
manual,
status,
retries,
worker_id,
created_at,
started_at,
duration_ms,
tested_version,
tested_ua,
errors,
position,
revision`

var joinedAssignmentColumns = qualifyColumns("a", assignmentColumns)

func qualifyColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = "\n" + alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ",")
}

func encodeErrors(errs []AssertionError) (*string, error) {
	if errs == nil {
		return nil, nil
	}
	raw, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("encode assertion errors: %w", err)
	}
	encoded := string(raw)
	return &encoded, nil
}

func decodeErrors(raw []byte) ([]AssertionError, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	out := []AssertionError{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode assertion errors: %w", err)
	}
	return out, nil
}
