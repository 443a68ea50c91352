package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// ParseLevel accepts debug/info/warn/error in any case; anything else is INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

type LogEntry struct {
	Timestamp string    `json:"timestamp"`
	Level     string    `json:"level"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	Hostname  string    `json:"hostname"`
	RequestID string    `json:"request_id,omitempty"`
	TripID    string    `json:"trip_id,omitempty"`
	Error     *LogError `json:"error,omitempty"`
}

type LogError struct {
	Msg string `json:"msg"`
}

var hostname, _ = os.Hostname()

var (
	mu          sync.Mutex
	out         io.Writer = os.Stdout
	serviceName           = "unknown-service"
	minLevel              = LevelInfo
)

func SetServiceName(name string) {
	mu.Lock()
	defer mu.Unlock()
	serviceName = name
}

func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
}

// SetOutput redirects log lines, mostly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func Info(action, message, requestID, tripID string) {
	write(LevelInfo, action, message, requestID, tripID, "")
}

func Debug(action, message, requestID, tripID string) {
	write(LevelDebug, action, message, requestID, tripID, "")
}

func Warn(action, message, requestID, tripID, errMsg string) {
	write(LevelWarn, action, message, requestID, tripID, errMsg)
}

func Error(action, message, requestID, tripID, errMsg string) {
	write(LevelError, action, message, requestID, tripID, errMsg)
}

func write(level Level, action, message, requestID, tripID, errMsg string) {
	mu.Lock()
	defer mu.Unlock()
	if level < minLevel {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level.String(),
		Service:   serviceName,
		Action:    action,
		Message:   message,
		Hostname:  hostname,
		RequestID: requestID,
		TripID:    tripID,
	}
	if errMsg != "" {
		entry.Error = &LogError{Msg: errMsg}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintln(out, string(data))
}
