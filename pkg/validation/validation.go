package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates guest, platform and overlay ids
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// StreamKeyRegex rejects whitespace and URL-breaking characters
	StreamKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-.?=&]+$`)
)

// ValidateID validates an entity id
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateDisplayName validates guest and platform display names
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("name contains invalid characters")
	}
	return ValidateStringLength(name, 1, 64, "name")
}

// ValidateTitle validates a session title
func ValidateTitle(title string) error {
	if err := ValidateNonEmptyString(title, "title"); err != nil {
		return err
	}
	return ValidateStringLength(title, 1, 140, "title")
}

// ValidateIngestURL validates an RTMP ingest endpoint
func ValidateIngestURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("ingest URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "rtmp" && u.Scheme != "rtmps" {
		return fmt.Errorf("invalid URL scheme (must be rtmp or rtmps)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if strings.Trim(u.Path, "/") == "" {
		return fmt.Errorf("URL must include an application path")
	}
	return nil
}

// ValidateStreamKey validates an already-issued platform stream key
func ValidateStreamKey(key string) error {
	if key == "" {
		return fmt.Errorf("stream key is required")
	}
	if len(key) > 256 {
		return fmt.Errorf("stream key is too long (max 256 characters)")
	}
	if !StreamKeyRegex.MatchString(key) {
		return fmt.Errorf("stream key contains invalid characters")
	}
	return nil
}

// ValidateQuality validates the output quality
func ValidateQuality(quality string) error {
	if quality != "HD" && quality != "FHD" {
		return fmt.Errorf("invalid quality (must be HD or FHD)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
