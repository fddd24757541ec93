package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditLogger appends JSON lines to hourly files under logDir and renames a
// file aside once it reaches maxSizeMB.
type AuditLogger struct {
	logDir    string
	prefix    string
	maxSizeMB int64
	mutex     sync.Mutex
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewAuditLogger(logDir, prefix string, maxSizeMB int64, logger *zap.SugaredLogger) (*AuditLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	if prefix == "" {
		prefix = "audit"
	}
	return &AuditLogger{
		logDir:    logDir,
		prefix:    prefix,
		maxSizeMB: maxSizeMB,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Append writes one already encoded JSON document as a line.
func (a *AuditLogger) Append(line []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	filename := a.currentFile()
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err = file.Write(buf); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	if err := a.checkRotation(filename); err != nil {
		a.logger.Warnf("Audit rotation error: %v", err)
	}

	return nil
}

func (a *AuditLogger) currentFile() string {
	return filepath.Join(a.logDir, fmt.Sprintf("%s_%s.jsonl", a.prefix, a.now().Format("20060102_15")))
}

func (a *AuditLogger) checkRotation(filename string) error {
	stat, err := os.Stat(filename)
	if err != nil {
		return err
	}

	if stat.Size()>>20 >= a.maxSizeMB {
		return a.rotate(filename)
	}
	return nil
}

func (a *AuditLogger) rotate(filename string) error {
	rotated := fmt.Sprintf("%s.rotated_%s", filename, a.now().Format("20060102_150405"))

	if err := os.Rename(filename, rotated); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	a.logger.Infof("Rotated audit log: %s -> %s", filename, rotated)
	return nil
}

func (a *AuditLogger) GetStats() map[string]interface{} {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	current := a.currentFile()
	var size int64
	if stat, err := os.Stat(current); err == nil {
		size = stat.Size()
	}

	return map[string]interface{}{
		"current_file":    current,
		"current_size_mb": size >> 20,
		"max_size_mb":     a.maxSizeMB,
	}
}
