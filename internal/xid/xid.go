package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Receipt builds a human-readable receipt number that sorts by time within a
// terminal, e.g. T01-20260115-000042.
func Receipt(terminalID string, at time.Time, seq int) string {
	terminalID = strings.ToUpper(strings.TrimSpace(terminalID))
	if terminalID == "" {
		terminalID = "POS"
	}
	return fmt.Sprintf("%s-%s-%06d", terminalID, at.UTC().Format("20060102"), seq)
}
