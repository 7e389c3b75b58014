// Package common provides utility functions used across the Kumo engine.
package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CheckCommand checks if a command is available in the system PATH.
func CheckCommand(cmd string) error {
	_, err := exec.LookPath(cmd)
	if err != nil {
		return fmt.Errorf("command '%s' not found in PATH", cmd)
	}
	return nil
}

// RunCommand executes a command under ctx and returns the combined output.
// If the command fails, the error includes the command output.
func RunCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("command %s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// SanitizeName sanitizes a string for use in object and file names.
func SanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0755)
	}
	return nil
}

// FileSize returns the size of a file in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// FileSHA256 returns the hex-encoded SHA-256 digest of a file.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GetAvailableDiskSpace returns the available disk space in bytes for the
// given path, parsed from df output. If minBytes is greater than 0 it also
// checks that available space meets the minimum.
func GetAvailableDiskSpace(path string, minBytes int64) (int64, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get absolute path: %w", err)
	}

	cmd := exec.Command("df", "-B1", absPath)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to get disk space: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output format")
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return 0, fmt.Errorf("unexpected df output format")
	}

	var available int64
	if _, err := fmt.Sscanf(fields[3], "%d", &available); err != nil {
		return 0, fmt.Errorf("failed to parse available disk space: %w", err)
	}

	if minBytes > 0 && available < minBytes {
		return available, fmt.Errorf("insufficient disk space: %d bytes available, %d bytes required", available, minBytes)
	}
	return available, nil
}
