// Package obslog is the one-line structured JSON logging convention this
// codebase uses outside the HTTP layer, kept on the standard library's
// log package rather than adopting a structured logging library: the
// router-level JSONLogger this grew from never reached for one either, so
// packages off the request path (scheduler, eventbus) follow the same
// convention for consistency rather than introducing a second one.
package obslog

import (
	"encoding/json"
	"log"
)

// Logger emits one-line JSON records tagged with a fixed component name
// and an optional correlation id threaded through a single dispatch's
// lifecycle.
type Logger struct {
	Component string
}

func New(component string) Logger {
	return Logger{Component: component}
}

func (l Logger) Info(correlationID, msg string, fields map[string]any) {
	l.emit("info", correlationID, msg, fields)
}

func (l Logger) Warn(correlationID, msg string, fields map[string]any) {
	l.emit("warn", correlationID, msg, fields)
}

func (l Logger) Error(correlationID, msg string, err error, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.emit("error", correlationID, msg, fields)
}

func (l Logger) emit(level, correlationID, msg string, fields map[string]any) {
	record := map[string]any{
		"level":     level,
		"component": l.Component,
		"msg":       msg,
	}
	if correlationID != "" {
		record["correlationId"] = correlationID
	}
	for k, v := range fields {
		record[k] = v
	}
	line, err := json.Marshal(record)
	if err != nil {
		log.Printf(`{"level":"error","component":"obslog","msg":"marshal failure","error":%q}`, err.Error())
		return
	}
	log.Println(string(line))
}
