package radio

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/g-d-j-evans/MeschaTUI/internal/driver"
)

// EventLog appends raw inbound event payloads as JSON lines, for
// debugging what the radio actually delivered. Write failures are
// logged and otherwise ignored.
type EventLog struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

// NewEventLog creates a JSON-lines event log at path.
func NewEventLog(path string, log *zap.Logger) *EventLog {
	return &EventLog{path: path, log: log}
}

// Append writes one event as a JSON line.
func (l *EventLog) Append(ev driver.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("event log marshal", zap.Error(err))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("event log open", zap.String("path", l.path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		l.log.Warn("event log write", zap.String("path", l.path), zap.Error(err))
	}
}
