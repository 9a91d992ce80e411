// Package session records conversations as append-only JSONL files and
// rediscovers them later. One file per session, one event per line, with
// a PID sidecar lock marking sessions that are still being written.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/types"
)

// RecordVersion is the JSONL schema version written to every line.
const RecordVersion = 1

// Event types.
const (
	TypeSessionStart = "session_start"
	TypeContent      = "content"
	TypeUsage        = "usage"
)

// Record is one JSONL line.
type Record struct {
	V       int             `json:"v"`
	Seq     int             `json:"seq"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StartInfo is the session_start payload, the first line of every file.
type StartInfo struct {
	SessionID     string    `json:"sessionId"`
	ProjectHash   string    `json:"projectHash"`
	WorkspaceDirs []string  `json:"workspaceDirs,omitempty"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	StartTime     time.Time `json:"startTime"`
}

type lockFile struct {
	PID int `json:"pid"`
}

// Recorder appends events to one session file. Appends are serialized and
// seq increases strictly; a crashed process leaves its lock behind for
// CleanupStaleLocks.
type Recorder struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	lockPath string
	seq      int
}

// FileName returns the on-disk name for a session ID.
func FileName(id string) string {
	return "session-" + id + ".jsonl"
}

// NewRecorder opens a session file under dir, writes the PID lock, and
// records the session_start line.
func NewRecorder(dir string, info StartInfo) (*Recorder, error) {
	if info.SessionID == "" {
		return nil, fmt.Errorf("session: missing session id")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	path := filepath.Join(dir, FileName(info.SessionID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}

	r := &Recorder{f: f, path: path, lockPath: path + ".lock"}
	if err := r.writeLock(); err != nil {
		f.Close()
		return nil, err
	}
	if info.StartTime.IsZero() {
		info.StartTime = time.Now().UTC()
	}
	if err := r.Append(TypeSessionStart, info); err != nil {
		f.Close()
		os.Remove(r.lockPath)
		return nil, err
	}
	L_debug("session: recording", "path", path, "session", info.SessionID)
	return r, nil
}

func (r *Recorder) writeLock() error {
	data, err := json.Marshal(lockFile{PID: os.Getpid()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(r.lockPath, data, 0o600); err != nil {
		return fmt.Errorf("session: write lock: %w", err)
	}
	return nil
}

// Path returns the session file path.
func (r *Recorder) Path() string { return r.path }

// Append writes one event line. Seq is strictly increasing per file.
func (r *Recorder) Append(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("session: marshal %s payload: %w", eventType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	line, err := json.Marshal(Record{
		V:       RecordVersion,
		Seq:     r.seq,
		TS:      time.Now().UTC(),
		Type:    eventType,
		Payload: data,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := r.f.Write(line); err != nil {
		return fmt.Errorf("session: append: %w", err)
	}
	return nil
}

// RecordContent appends one content event.
func (r *Recorder) RecordContent(c types.Content) error {
	return r.Append(TypeContent, c)
}

// RecordUsage appends a usage event.
func (r *Recorder) RecordUsage(u types.Usage) error {
	return r.Append(TypeUsage, u)
}

// Close releases the file and removes the PID lock. The session file
// stays for discovery.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.f.Close()
	if rmErr := os.Remove(r.lockPath); rmErr != nil && !os.IsNotExist(rmErr) {
		L_warn("session: cannot remove lock", "path", r.lockPath, "error", rmErr)
	}
	return err
}
