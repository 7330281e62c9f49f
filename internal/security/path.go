// Package security validates container names and blob paths before they
// touch the filesystem.
package security

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal   = errors.New("path contains traversal sequences")
	ErrInvalidPath     = errors.New("path contains invalid characters")
	ErrAbsolutePath    = errors.New("absolute paths not allowed")
	ErrEmptyPath       = errors.New("path cannot be empty")
	ErrPathOutsideBase = errors.New("path resolves outside base directory")
)

// ValidatePathSecure performs comprehensive path validation to prevent traversal attacks
func ValidatePathSecure(path string) error {
	if path == "" {
		return ErrEmptyPath
	}

	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}

	// Check for traversal sequences before cleaning
	if strings.Contains(path, "..") {
		return ErrPathTraversal
	}

	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}

	cleaned := filepath.Clean(path)

	// After cleaning, double-check for traversal sequences
	if strings.Contains(cleaned, "..") {
		return ErrPathTraversal
	}

	// Reject control characters
	for _, char := range cleaned {
		if char < 32 && char != 9 && char != 10 && char != 13 {
			return ErrInvalidPath
		}
	}

	return nil
}

// SecurePath validates and returns a secure path within a base directory
func SecurePath(basePath, userPath string) (string, error) {
	if err := ValidatePathSecure(userPath); err != nil {
		return "", err
	}

	fullPath := filepath.Join(basePath, userPath)
	cleanFull := filepath.Clean(fullPath)
	cleanBase := filepath.Clean(basePath)

	// Ensure the resolved path is within the base directory
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) && cleanFull != cleanBase {
		return "", ErrPathOutsideBase
	}

	return cleanFull, nil
}

// ValidateContainerName validates container names with security checks
func ValidateContainerName(container string) error {
	if container == "" {
		return ErrEmptyPath
	}

	if err := ValidatePathSecure(container); err != nil {
		return err
	}

	// Containers are single path segments
	if strings.Contains(container, "/") || strings.Contains(container, "\\") {
		return ErrInvalidPath
	}

	if container == "." || container == ".." {
		return ErrInvalidPath
	}

	return nil
}

// ValidateBlobName validates blob names with security checks
func ValidateBlobName(name string) error {
	if name == "" {
		return ErrEmptyPath
	}

	if err := ValidatePathSecure(name); err != nil {
		return err
	}

	lowerName := strings.ToLower(name)
	dangerousPaths := []string{
		"/etc/", "/proc/", "/sys/", "/dev/", "/var/",
		"\\windows\\", "\\system32\\", "\\program files\\",
		"../", ".\\", "..\\",
	}

	for _, dangerous := range dangerousPaths {
		if strings.Contains(lowerName, dangerous) {
			return ErrInvalidPath
		}
	}

	return nil
}
