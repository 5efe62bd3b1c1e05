package daemon

import "time"

// DaemonState is the JSON document persisted as the PID file. Written
// once by the running daemon, read by status/stop commands, removed on
// shutdown.
type DaemonState struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Hostname  string    `json:"hostname"`
	StartTime time.Time `json:"startTime"`
	Directory string    `json:"directory"`
}

// LockRecord is the JSON document created with exclusive-create
// semantics at lock acquisition and deleted at release.
type LockRecord struct {
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
}
