// Package protocol holds the wire vocabulary shared by the chat client and the backend:
// the inbound frame classifier and the outbound command encoder.
//
// Frames are plain text. Two server-side literals carry control meaning; everything
// else is content and must be preserved byte-for-byte since a code fence may span
// several frames.
package protocol

import "strings"

const (
	// EndOfTurnSentinel closes the current assistant turn.
	EndOfTurnSentinel = "[[END]]"

	contextLoadedPrefix = "[[LOADED::"
	contextLoadedSuffix = "]]"
)

// Frame is one classified inbound text frame: EndOfTurn, ContextLoaded or Content.
type Frame interface {
	isFrame()
}

// EndOfTurn marks the end of the current assistant response.
type EndOfTurn struct{}

// ContextLoaded announces keys of uploaded files the backend has ingested.
type ContextLoaded struct {
	Keys []string
}

// Content is a chunk of the in-progress assistant response.
type Content struct {
	Text string
}

func (EndOfTurn) isFrame()     {}
func (ContextLoaded) isFrame() {}
func (Content) isFrame()       {}

// Classify never fails: anything that is not a sentinel is Content.
func Classify(raw string) Frame {
	if raw == EndOfTurnSentinel {
		return EndOfTurn{}
	}
	if keys, ok := parseContextLoaded(raw); ok {
		return ContextLoaded{Keys: keys}
	}
	return Content{Text: raw}
}

func parseContextLoaded(raw string) ([]string, bool) {
	if len(raw) < len(contextLoadedPrefix)+len(contextLoadedSuffix) {
		return nil, false
	}
	if !strings.HasPrefix(raw, contextLoadedPrefix) || !strings.HasSuffix(raw, contextLoadedSuffix) {
		return nil, false
	}
	payload := raw[len(contextLoadedPrefix) : len(raw)-len(contextLoadedSuffix)]
	if payload == "" {
		return []string{}, true
	}
	return strings.Split(payload, ","), true
}

// EncodeEndOfTurn returns the end-of-turn sentinel frame.
func EncodeEndOfTurn() string { return EndOfTurnSentinel }

// EncodeContextLoaded builds the context-loaded sentinel for the given keys.
// Keys must not contain commas; the wire format has no escaping.
func EncodeContextLoaded(keys []string) string {
	return contextLoadedPrefix + strings.Join(keys, ",") + contextLoadedSuffix
}
