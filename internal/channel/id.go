package channel

import (
	"strings"

	"github.com/google/uuid"
)

const (
	selfInitiatedPrefix   = "s-"
	remoteInitiatedPrefix = "r-"
)

// NewChannelID returns a process-unique channel id whose prefix records
// which side opened the channel.
func NewChannelID(initiatedByRemote bool) string {
	if initiatedByRemote {
		return remoteInitiatedPrefix + uuid.NewString()
	}
	return selfInitiatedPrefix + uuid.NewString()
}

// IsRemoteInitiatedID reports whether id was generated for a channel opened
// by the remote side.
func IsRemoteInitiatedID(id string) bool {
	return strings.HasPrefix(id, remoteInitiatedPrefix)
}
