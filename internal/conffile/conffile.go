// Package conffile reads and writes single entries of "key = value" settings
// files. Comments (# or ;) and unrelated lines are preserved on write.
package conffile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrInvalidValue is returned for keys or values that would break the file format.
var ErrInvalidValue = errors.New("key or value contains a line break or '='")

// Get returns the value of key in path. found is false if the key is absent.
func Get(path, key string) (value string, found bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if k, v, ok := parseLine(scanner.Text()); ok && k == key {
			value, found = v, true
		}
	}
	if err := scanner.Err(); err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return value, found, nil
}

// Set writes key = value into path, replacing every existing assignment of key
// or appending one. The file is replaced atomically and keeps its mode.
func Set(path, key, value string) error {
	if strings.ContainsAny(key, "=\r\n") || strings.TrimSpace(key) == "" || strings.ContainsAny(value, "\r\n") {
		return ErrInvalidValue
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	entry := key + " = " + value
	var out bytes.Buffer
	replaced := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if k, _, ok := parseLine(line); ok && k == key {
			if replaced {
				continue
			}
			line = entry
			replaced = true
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if !replaced {
		out.WriteString(entry)
		out.WriteByte('\n')
	}

	return writeAtomic(path, out.Bytes(), info)
}

func parseLine(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] == '#' || trimmed[0] == ';' {
		return "", "", false
	}
	k, v, found := strings.Cut(trimmed, "=")
	if !found {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

// writeAtomic replaces path with data, keeping the mode and ownership of the
// original described by info.
func writeAtomic(path string, data []byte, info os.FileInfo) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		uid, gid := int(st.Uid), int(st.Gid)
		if uid != os.Getuid() || gid != os.Getgid() {
			if err := os.Chown(tmpName, uid, gid); err != nil {
				return fmt.Errorf("failed to set ownership: %w", err)
			}
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
