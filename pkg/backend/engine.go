package backend

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// DefaultMode is the persona every connection starts with.
const DefaultMode = "default"

// DefaultModes lists the personas accepted by "/mode <name>". The value is the
// instruction handed to the engine; the default mode has none.
func DefaultModes() map[string]string {
	return map[string]string{
		"sassy":              "Answer with attitude and a little sass.",
		"paranoid":           "Answer nervously and suspect a catch everywhere.",
		"optimistic":         "Answer with relentless good cheer.",
		"chad":               "Answer with unshakeable swagger.",
		"wholesome":          "Answer warmly and encouragingly.",
		"cute":               "Answer in a bubbly, adorable tone.",
		"silly":              "Answer playfully and make jokes.",
		"shakespeare":        "Answer in Elizabethan verse.",
		"high_on_lsd":        "Answer with wild, surreal imagery.",
		"existential_crisis": "Answer while doubting the point of everything.",
		"strict_minimalist":  "Answer in as few words as possible.",
		DefaultMode:          "",
	}
}

func modeNames(modes map[string]string) []string {
	names := make([]string, 0, len(modes))
	for name := range modes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Document is an ingested upload available to the engine.
type Document struct {
	Key  string
	Name string
	Text string
}

// Turn is a finished exchange on a connection.
type Turn struct {
	User      string
	Assistant string
}

type Request struct {
	Mode        string
	Instruction string
	Documents   []Document
	History     []Turn
	Prompt      string
}

// Engine generates one assistant turn. It calls emit once per chunk, in order, and
// must return promptly with ctx.Err() once ctx is cancelled.
type Engine interface {
	Generate(ctx context.Context, req Request, emit func(chunk string) error) error
}

// EchoEngine streams the prompt back in fixed-size rune chunks. Outside the default
// mode the reply is prefixed with the mode name.
type EchoEngine struct {
	ChunkSize  int
	ChunkDelay time.Duration
}

var _ Engine = EchoEngine{}

func NewEchoEngine(chunkSize int, delay time.Duration) EchoEngine {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return EchoEngine{ChunkSize: chunkSize, ChunkDelay: delay}
}

func (e EchoEngine) Reply(req Request) string {
	if req.Mode == "" || req.Mode == DefaultMode {
		return req.Prompt
	}
	return "[" + req.Mode + "] " + req.Prompt
}

func (e EchoEngine) Generate(ctx context.Context, req Request, emit func(chunk string) error) error {
	size := e.ChunkSize
	if size <= 0 {
		size = 1
	}
	runes := []rune(e.Reply(req))
	for start := 0; start < len(runes); start += size {
		if start > 0 && e.ChunkDelay > 0 {
			timer := time.NewTimer(e.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(runes))
		if err := emit(string(runes[start:end])); err != nil {
			return errors.Wrap(err, "emit chunk")
		}
	}
	return nil
}
