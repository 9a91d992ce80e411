package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	. "github.com/llxprt/llxprt/internal/logging"
	"github.com/llxprt/llxprt/internal/types"
)

// headerReadLimit bounds how much of a file discovery reads to find the
// session_start line. Session files can be huge; the header is always at
// the front.
const headerReadLimit = 4 * 1024

// PreviewMaxLen is the default truncation for first-message previews.
const PreviewMaxLen = 120

// Info describes one discovered session.
type Info struct {
	ID          string
	Path        string
	ProjectHash string
	Provider    string
	Model       string
	StartTime   time.Time
	ModTime     time.Time
}

// List discovers session files under dir, newest first (mtime descending,
// session ID descending as tiebreak). Files whose header cannot be parsed
// are skipped and counted, not fatal.
func List(dir, projectHash string) ([]Info, int, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "session-*.jsonl"))
	if err != nil {
		return nil, 0, fmt.Errorf("session: list %s: %w", dir, err)
	}

	var out []Info
	skipped := 0
	for _, path := range entries {
		info, err := readHeader(path)
		if err != nil {
			L_debug("session: skipping unreadable session file", "path", path, "error", err)
			skipped++
			continue
		}
		if projectHash != "" && info.ProjectHash != projectHash {
			continue
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, skipped, nil
}

// readHeader parses the session_start record. A bounded prefix read covers
// the common case; when the file is larger than the window and no header
// fits it, a full line scan takes over so an oversized session_start line
// is still found. Blank lines and a UTF-8 BOM are tolerated.
func readHeader(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return Info{}, err
	}

	buf := make([]byte, headerReadLimit)
	n, _ := f.Read(buf)
	info, err := scanForStart(bytes.NewReader(buf[:n]), path, stat.ModTime())
	if err == nil {
		return info, nil
	}
	if n < headerReadLimit {
		// The whole file fit the window; the failure is genuine.
		return Info{}, err
	}

	// The window may have truncated a long header line; scan line by line.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}
	return scanForStart(f, path, stat.ModTime())
}

func scanForStart(r io.Reader, path string, modTime time.Time) (Info, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	first := true
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if first {
			line = bytes.TrimPrefix(line, []byte{0xEF, 0xBB, 0xBF})
			first = false
		}
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return Info{}, fmt.Errorf("header is not valid JSONL: %w", err)
		}
		if rec.Type != TypeSessionStart {
			// Unknown leading event types are tolerated; keep looking
			// within the header window.
			continue
		}
		var start StartInfo
		if err := json.Unmarshal(rec.Payload, &start); err != nil {
			return Info{}, fmt.Errorf("malformed session_start: %w", err)
		}
		if start.SessionID == "" {
			return Info{}, fmt.Errorf("session_start has no session id")
		}
		return Info{
			ID:          start.SessionID,
			Path:        path,
			ProjectHash: start.ProjectHash,
			Provider:    start.Provider,
			Model:       start.Model,
			StartTime:   start.StartTime,
			ModTime:     modTime,
		}, nil
	}
	return Info{}, fmt.Errorf("no session_start found in header")
}

// HasContentEvents reports whether the session recorded any conversation
// content. Sessions that never got past session_start are candidates for
// cleanup.
func HasContentEvents(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Type == TypeContent {
			return true
		}
	}
	return false
}

// FirstUserMessage extracts a preview of the first human message, at most
// maxLen characters. Media blocks are skipped; text blocks concatenate
// as-is, and truncation counts runes so a multi-byte character is never
// split. It never fails: unreadable files yield an empty preview.
func FirstUserMessage(path string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = PreviewMaxLen
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Type != TypeContent {
			continue
		}
		var c types.Content
		if err := json.Unmarshal(rec.Payload, &c); err != nil {
			continue
		}
		if c.Speaker != types.SpeakerHuman {
			continue
		}
		preview := c.TextContent()
		if preview == "" {
			continue
		}
		if runes := []rune(preview); len(runes) > maxLen {
			preview = string(runes[:maxLen])
		}
		return preview
	}
	return ""
}

// Resolve picks a session from a user-supplied reference: an exact
// session ID first, then an all-digits 1-based index into the newest-first
// list, then a unique ID prefix.
func Resolve(sessions []Info, ref string) (Info, error) {
	for _, s := range sessions {
		if s.ID == ref {
			return s, nil
		}
	}
	if ref != "" && isAllDigits(ref) {
		idx, err := strconv.Atoi(ref)
		if err == nil && idx >= 1 && idx <= len(sessions) {
			return sessions[idx-1], nil
		}
		return Info{}, fmt.Errorf("session index %s out of range (1-%d)", ref, len(sessions))
	}

	var matches []Info
	for _, s := range sessions {
		if ref != "" && strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Info{}, fmt.Errorf("no session matches %q", ref)
	default:
		return Info{}, fmt.Errorf("session reference %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
