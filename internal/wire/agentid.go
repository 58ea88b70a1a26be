// Package wire defines the on-the-wire shapes shared by every transport in
// the runtime: the three-label agent identifier, the JSON command envelope
// used over WebSocket, the binary heartbeat record sent over UDP, the binary
// stream-frame header used by StreamClient, and the tagged message-block
// variant carried inside a session message.
package wire

import (
	"fmt"
	"strings"
)

// AgentID is the three-label identifier "name.authority1.authority2".
// The last two labels form the Authority that determines default servers.
type AgentID string

// Authority is the last two labels of an AgentID, e.g. "corp.example".
type Authority string

// Parse splits an AgentID into its name and Authority, validating that it
// carries exactly three dot-separated, non-empty labels.
func (id AgentID) Parse() (name string, authority Authority, err error) {
	labels := strings.Split(string(id), ".")
	if len(labels) != 3 {
		return "", "", fmt.Errorf("wire: agent id %q must have exactly three labels", id)
	}
	for _, l := range labels {
		if l == "" {
			return "", "", fmt.Errorf("wire: agent id %q has an empty label", id)
		}
	}
	return labels[0], Authority(labels[1] + "." + labels[2]), nil
}

// String returns the raw identifier.
func (id AgentID) String() string { return string(id) }

// Valid reports whether id parses as a well-formed three-label identifier.
func (id AgentID) Valid() bool {
	_, _, err := id.Parse()
	return err == nil
}
