package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// CorruptLineError reports the line number and cause of a malformed
// rollout line (spec §6: "corrupt lines abort load with a typed error").
type CorruptLineError struct {
	Line   int
	Reason error
}

func (e *CorruptLineError) Error() string {
	return fmt.Sprintf("rollout: corrupt line %d: %v", e.Line, e.Reason)
}

func (e *CorruptLineError) Unwrap() error { return e.Reason }

// Load reads every RolloutItem from the NDJSON file at path, in order.
// It aborts on the first line that fails to parse, per spec.
func Load(path string) ([]entity.RolloutItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	defer f.Close()

	var items []entity.RolloutItem
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item entity.RolloutItem
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, &CorruptLineError{Line: lineNo, Reason: err}
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rollout: reading %s: %w", path, err)
	}
	return items, nil
}
