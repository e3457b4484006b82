package common

import (
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags helper function to make a copy of a set of log tags, so the
// copy can be extended without affecting the source
func CopyLogTags(src log.Fields, extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range src {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}
