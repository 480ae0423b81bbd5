package sidecarproto

import (
	"fmt"
	"strconv"
	"strings"
)

// Source and target id grammars:
//
//	window:<handle>:<n>  capture source backed by an application window
//	screen:<n>:<m>       capture source backed by a whole display
//	pid:<n>              include-mode audio target (one process tree)
//	excl:pid:<n>         exclude-mode audio target (everything but one)
const (
	windowSourcePrefix  = "window:"
	screenSourcePrefix  = "screen:"
	pidTargetPrefix     = "pid:"
	excludeTargetPrefix = "excl:pid:"
)

// IsWindowSourceID reports whether id names a window-backed source.
func IsWindowSourceID(id string) bool {
	return strings.HasPrefix(id, windowSourcePrefix)
}

// IsScreenSourceID reports whether id names a display-backed source.
func IsScreenSourceID(id string) bool {
	return strings.HasPrefix(id, screenSourcePrefix)
}

// WindowHandle extracts the native window handle from a window source id.
func WindowHandle(id string) (uint64, bool) {
	if !IsWindowSourceID(id) {
		return 0, false
	}
	parts := strings.Split(id, ":")
	if len(parts) < 2 {
		return 0, false
	}
	handle, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return handle, true
}

// PIDTargetID builds an include-mode target id.
func PIDTargetID(pid uint32) string {
	return fmt.Sprintf("%s%d", pidTargetPrefix, pid)
}

// ExcludeTargetID builds an exclude-mode target id.
func ExcludeTargetID(pid uint32) string {
	return fmt.Sprintf("%s%d", excludeTargetPrefix, pid)
}

// ParseTargetID classifies a target id and extracts its pid. mode is
// "include" or "exclude".
func ParseTargetID(id string) (mode string, pid uint32, ok bool) {
	switch {
	case strings.HasPrefix(id, excludeTargetPrefix):
		mode = "exclude"
		id = strings.TrimPrefix(id, excludeTargetPrefix)
	case strings.HasPrefix(id, pidTargetPrefix):
		mode = "include"
		id = strings.TrimPrefix(id, pidTargetPrefix)
	default:
		return "", 0, false
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return "", 0, false
	}
	return mode, uint32(n), true
}
