// Package session persists and restores work-session state across process
// restarts.
//
// State is an append-only log: every Save writes a new record and the most
// recent record for a session id is the active one. LoadLast never mutates
// anything, so a restore can be retried freely. Cleanup removes superseded
// records once they age past the retention window but always keeps the
// latest record of every session.
package session
