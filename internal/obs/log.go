package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogEvent emits a structured JSON log line with the given level and fields.
// Levels: info, warn, error, security. The security level is reserved for
// incidents such as refresh token replay and feeds alerting, not dashboards.
func LogEvent(level, msg string, fields map[string]any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}
	for k, v := range fields {
		switch k {
		case "ts", "level", "msg":
			continue
		}
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}

// Info logs an informational event.
func Info(msg string, fields map[string]any) { LogEvent("info", msg, fields) }

// Warn logs a recoverable anomaly.
func Warn(msg string, fields map[string]any) { LogEvent("warn", msg, fields) }

// Error logs an operation failure.
func Error(msg string, fields map[string]any) { LogEvent("error", msg, fields) }

// Security logs a security incident.
func Security(msg string, fields map[string]any) { LogEvent("security", msg, fields) }
