package activity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
)

var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://mindspace.app/entries"))

// taskID returns a random ID. Two tasks with the same title are still
// different tasks.
func taskID() string {
	return uuid.NewString()
}

// contentID derives a stable ID from the entry's kind and content, so the
// same check-in written to both stores merges into one entry. The entry's
// own ID must be empty.
func contentID(kind schema.HistoryKind, e schema.Entry) (string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode %s entry: %w", kind, err)
	}
	name := make([]byte, 0, len(kind)+len(payload)+1)
	name = append(name, kind...)
	name = append(name, 0)
	name = append(name, payload...)
	return uuid.NewSHA1(entryNamespace, name).String(), nil
}
