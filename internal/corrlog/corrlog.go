// Package corrlog provides structured, leveled logging with per-operation
// correlation IDs, adapted from pkg/middleware/logging.go's request
// logger: the same map[string]interface{} -> JSON -> stdlib log.Printf
// pipeline and the same google/uuid-generated correlation id, but with the
// net/http ResponseWriter wrapper and header propagation removed since
// this library has no HTTP surface of its own.
package corrlog

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// NewID generates a correlation id for one logical operation (an
// OperationQueue submission, a GetOrFetch call, ...), the same
// per-request uuid.New().String() pattern used for HTTP requests.
func NewID() string {
	return uuid.New().String()
}

// Fields is a structured log payload. Keys are merged in, so callers can
// build up context incrementally.
type Fields map[string]interface{}

// Info logs message at info level with the given correlation id and
// fields.
func Info(corrID, message string, fields Fields) { emit("INFO", corrID, message, fields) }

// Warn logs message at warn level.
func Warn(corrID, message string, fields Fields) { emit("WARN", corrID, message, fields) }

// Error logs message at error level.
func Error(corrID, message string, fields Fields) { emit("ERROR", corrID, message, fields) }

func emit(level, corrID, message string, fields Fields) {
	entry := map[string]interface{}{
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"correlation_id": corrID,
		"message":        message,
	}
	for k, v := range fields {
		entry[k] = v
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fallback to simple logging if JSON marshal fails, matching
		// logRequest's own fallback path.
		log.Printf("[ERROR] failed to marshal log entry: %v", err)
		log.Printf("[%s] %s %s", level, corrID, message)
		return
	}

	log.Printf("[%s] %s", level, string(data))
}
