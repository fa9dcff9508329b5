package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// maxDocumentBytes rejects a serialized document larger than this. The spec
// calls this a hard cap at 50 MiB; a softer 10 MiB threshold below only logs
// a warning and still persists.
const (
	maxDocumentBytes  = 50 * 1024 * 1024
	warnDocumentBytes = 10 * 1024 * 1024
)

// replacementChar is the UTF-8 encoding of U+FFFD, used by readJSONAtomic
// as a truncation/corruption signal (per spec §4.1 read protocol).
const replacementChar = "�"

// writeJSONAtomic serializes v, writes it to a uniquely-named temp sibling
// of path, fsyncs it, reads it back to validate, and atomically renames it
// onto path. It retries the whole sequence up to three times with
// exponential backoff (100/200/400ms) on any failure, per spec §4.1.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	if len(data) == 0 {
		return fmt.Errorf("marshal %s: produced empty output", path)
	}
	if len(data) > maxDocumentBytes {
		return fmt.Errorf("marshal %s: %d bytes exceeds %d byte cap", path, len(data), maxDocumentBytes)
	}
	if len(data) >= warnDocumentBytes {
		log.Printf("store: %s is %d bytes (>= %d byte warning threshold)", path, len(data), warnDocumentBytes)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if err := writeJSONOnce(path, data); err != nil {
			lastErr = err
			log.Printf("store: write attempt %d for %s failed: %v", attempt+1, path, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("write %s: all retries exhausted: %w", path, lastErr)
}

func writeJSONOnce(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d.%06d",
		filepath.Base(path), time.Now().UnixNano(), rand.Intn(1_000_000)))

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	// Read back and validate before committing.
	readBack, err := os.ReadFile(tmpPath)
	if err != nil {
		return fmt.Errorf("read back temp file: %w", err)
	}
	if len(readBack) != len(data) || !json.Valid(readBack) {
		return fmt.Errorf("temp file failed validation (len=%d want=%d valid=%v)",
			len(readBack), len(data), json.Valid(readBack))
	}

	if err := renameWithFallback(tmpPath, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// renameWithFallback performs os.Rename(src, dst), falling back to
// copy-then-delete when rename fails with a permission error that looks
// transient (some platforms cannot rename over an open/locked destination).
func renameWithFallback(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}

	time.Sleep(20 * time.Millisecond)
	data, readErr := os.ReadFile(src)
	if readErr != nil {
		return fmt.Errorf("rename fallback read %s: %w", src, readErr)
	}
	if writeErr := os.WriteFile(dst, data, 0o644); writeErr != nil {
		return fmt.Errorf("rename fallback write %s: %w", dst, writeErr)
	}
	os.Remove(src)
	return nil
}

// readJSONAtomic reads and parses path into v. If the file is absent,
// exists is false and no error is returned. Truncation (trailing byte that
// cannot legally close the JSON grammar) and NUL/replacement-char
// corruption are detected before parsing. A parse or corruption failure
// quarantines the file to "<path>.corrupt.<timestamp>" and returns
// exists=false so the caller falls back to its default. Transient read
// errors are retried up to three times with exponential backoff.
func readJSONAtomic(path string, v any) (exists bool, err error) {
	var data []byte
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		data, lastErr = os.ReadFile(path)
		if lastErr == nil {
			break
		}
		if os.IsNotExist(lastErr) {
			return false, nil
		}
	}
	if lastErr != nil {
		return false, fmt.Errorf("read %s: all retries exhausted: %w", path, lastErr)
	}

	if len(data) == 0 {
		quarantine(path, data, "empty")
		return false, nil
	}
	if bytes.ContainsRune(data, 0) || bytes.Contains(data, []byte(replacementChar)) || !utf8.Valid(data) {
		quarantine(path, data, "invalid bytes")
		return false, nil
	}
	if !looksTerminated(data) {
		quarantine(path, data, "truncated")
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		quarantine(path, data, fmt.Sprintf("parse error: %v", err))
		return false, nil
	}
	return true, nil
}

// looksTerminated reports whether the trailing non-whitespace byte of data
// could legally close a JSON value ('}', ']', '"', a digit, or one of the
// literal keywords true/false/null). This is a cheap truncation heuristic,
// not a full grammar check — json.Unmarshal performs the real validation.
func looksTerminated(data []byte) bool {
	trimmed := bytes.TrimRight(data, " \t\r\n")
	if len(trimmed) == 0 {
		return false
	}
	last := trimmed[len(trimmed)-1]
	switch last {
	case '}', ']', '"':
		return true
	}
	if last >= '0' && last <= '9' {
		return true
	}
	s := string(trimmed)
	return strings.HasSuffix(s, "true") || strings.HasSuffix(s, "false") || strings.HasSuffix(s, "null")
}

// quarantine copies a corrupt file aside for forensics and logs why.
func quarantine(path string, data []byte, reason string) {
	dst := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		log.Printf("store: failed to quarantine %s: %v", path, err)
		return
	}
	log.Printf("store: quarantined %s -> %s (%s)", path, dst, reason)
}
