package internal

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// AuditLogger appends one line per privileged API action to a text file.
type AuditLogger struct {
	mux  sync.Mutex
	file *os.File
}

func NewAuditLogger(path string) (*AuditLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{file: file}, nil
}

func (a *AuditLogger) Record(user, command, detail string) {
	a.mux.Lock()
	defer a.mux.Unlock()
	line := fmt.Sprintf("%s %s %s %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), user, command, detail)
	if _, err := a.file.WriteString(line); err != nil {
		fmt.Fprintf(os.Stderr, "audit write failed: %v\n", err)
	}
}

func (a *AuditLogger) Close() error {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.file.Close()
}
