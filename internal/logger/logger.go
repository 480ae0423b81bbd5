// Package logger provides structured leveled logging for host glue code.
// Subsystems that supervise external processes (the capture sidecar) use
// hclog named loggers instead; this package covers everything else.
package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Field is one structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// String returns a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int returns an int field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Bool returns a bool field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration returns a duration field rendered in time.Duration notation.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Err returns an error field; a nil error renders as null.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Info logs an informational message.
func Info(msg string, fields ...Field) {
	emit("INFO", msg, fields...)
}

// Warn logs a warning.
func Warn(msg string, fields ...Field) {
	emit("WARN", msg, fields...)
}

// Error logs an error.
func Error(msg string, fields ...Field) {
	emit("ERROR", msg, fields...)
}

// Debug logs a debug message; suppressed unless the debug level is enabled.
func Debug(msg string, fields ...Field) {
	if !debugEnabled() {
		return
	}
	emit("DEBUG", msg, fields...)
}

func debugEnabled() bool {
	return strings.EqualFold(os.Getenv("SWEETSHARK_LOG_LEVEL"), "debug")
}

func jsonFormat() bool {
	return strings.EqualFold(os.Getenv("SWEETSHARK_LOG_FORMAT"), "json")
}

func emit(level, msg string, fields ...Field) {
	if jsonFormat() {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"level":     level,
			"message":   msg,
		}
		for _, f := range fields {
			entry[f.Key] = f.Value
		}
		data, _ := json.Marshal(entry)
		log.Println(string(data))
		return
	}

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(fmt.Sprintf(" %s=%v", f.Key, f.Value))
	}
	log.Printf("%s: %s%s", level, msg, b.String())
}
