package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateInvocationID generates an id that ties together the log lines of
// one tool invocation
func GenerateInvocationID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID if random fails
		return fmt.Sprintf("inv_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("inv_%s", hex.EncodeToString(bytes))
}

// CreateContextWithIDs creates a context carrying the invocation id and
// command name
func CreateContextWithIDs(ctx context.Context, invocationID, command string) context.Context {
	if invocationID != "" {
		ctx = context.WithValue(ctx, InvocationIDKey, SanitizeID(invocationID))
	}
	if command != "" {
		ctx = context.WithValue(ctx, CommandKey, command)
	}
	return ctx
}

// ExtractInvocationID extracts the invocation id from context
func ExtractInvocationID(ctx context.Context) string {
	if id := ctx.Value(InvocationIDKey); id != nil {
		if str, ok := id.(string); ok {
			return str
		}
	}
	return ""
}

// ExtractCommand extracts the command name from context
func ExtractCommand(ctx context.Context) string {
	if cmd := ctx.Value(CommandKey); cmd != nil {
		if str, ok := cmd.(string); ok {
			return str
		}
	}
	return ""
}

// SanitizeID strips characters that could forge log lines
func SanitizeID(id string) string {
	id = strings.ReplaceAll(id, "\n", "")
	id = strings.ReplaceAll(id, "\r", "")
	id = strings.ReplaceAll(id, "\t", "")

	if len(id) > 64 {
		id = id[:64]
	}

	return id
}
