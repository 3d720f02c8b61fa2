package utils

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GenerateMessageID returns a unique identifier for network messages
func GenerateMessageID() string {
	return uuid.New().String()
}

// SafeGo executes a function in a goroutine with panic recovery
func SafeGo(logger *zap.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in goroutine",
					zap.Any("panic", r),
					zap.Stack("stack"))
			}
		}()
		fn()
	}()
}

// ContainsString checks if a slice contains an element
func ContainsString(slice []string, element string) bool {
	for _, v := range slice {
		if v == element {
			return true
		}
	}
	return false
}
