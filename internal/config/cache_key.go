package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AutosaveKey returns the storage key for a user's in-progress attempt at an exam.
// Exam and user IDs never contain ':', so distinct pairs never share a key.
func (r *CacheKeyStruct) AutosaveKey(examID, userID string) string {
	return fmt.Sprintf("autosave:%s:%s", examID, userID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
