package model

import (
	"errors"
	"fmt"
	"time"
)

const (
	MaxSessionIDLength   = 64
	MaxSessionNameLength = 128
)

var ErrSessionIDInvalid = fmt.Errorf("session id must be 1-%d alphanumeric characters, underscores, or hyphens", MaxSessionIDLength)
var ErrSessionNameTooLong = errors.New("session name too long")

// SessionInfo is a point-in-time view of an open sharing session.
type SessionInfo struct {
	ID          string    `json:"session_id" yaml:"session_id"`
	Name        string    `json:"name" yaml:"name"`
	Host        string    `json:"host" yaml:"host"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	ViewerCount int       `json:"viewer_count" yaml:"viewer_count"`
}

// ValidateSessionID checks a caller-supplied session id. Generated UUIDs
// always pass.
func ValidateSessionID(id string) error {
	if len(id) == 0 || len(id) > MaxSessionIDLength || !isIdentChars(id) {
		return ErrSessionIDInvalid
	}
	return nil
}
