// Package signal defines the event model shared by every component of the
// context engine: source-tagged events with a fixed payload shape per source,
// the stuck-pattern detection result, and the error taxonomy used across the
// store, detector, synthesizer and transports.
//
// Events are immutable values. Helpers that change an event's content
// (MapText, Truncate, WithTags) return a modified copy and leave the
// original untouched.
package signal
