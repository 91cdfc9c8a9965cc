package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/streamchat/pkg/tokens"
)

const noNewFilesMessage = "No new files were added to context."

type ingestResult struct {
	Loaded     []Document
	Unreadable []FileRecord
}

func (r ingestResult) empty() bool { return len(r.Loaded) == 0 && len(r.Unreadable) == 0 }

func (r ingestResult) loadedKeys() []string {
	keys := make([]string, 0, len(r.Loaded))
	for _, d := range r.Loaded {
		keys = append(keys, d.Key)
	}
	return keys
}

// ingestFiles reads every registered upload whose key is not in seen. Each visited key
// is added to seen, readable or not, so a file is offered only once per connection.
func ingestFiles(ctx context.Context, registry FileRegistry, seen map[string]struct{}, logger zerolog.Logger) (ingestResult, error) {
	recs, err := registry.List(ctx)
	if err != nil {
		return ingestResult{}, errors.Wrap(err, "list uploads")
	}
	var res ingestResult
	for _, rec := range recs {
		if _, ok := seen[rec.Key]; ok {
			continue
		}
		seen[rec.Key] = struct{}{}
		doc, ok := readDocument(rec, logger)
		if !ok {
			res.Unreadable = append(res.Unreadable, rec)
			continue
		}
		res.Loaded = append(res.Loaded, doc)
	}
	return res, nil
}

// readDocument accepts non-blank UTF-8 text without NUL bytes.
func readDocument(rec FileRecord, logger zerolog.Logger) (Document, bool) {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		logger.Warn().Err(err).Str("file_key", rec.Key).Msg("cannot read upload")
		return Document{}, false
	}
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return Document{}, false
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return Document{}, false
	}
	return Document{Key: rec.Key, Name: rec.Name, Text: text}, true
}

// acknowledgement is the chunk sent after the context-loaded sentinel.
func (r ingestResult) acknowledgement(counter *tokens.Counter) string {
	var b strings.Builder
	if len(r.Loaded) > 0 {
		names := make([]string, 0, len(r.Loaded))
		texts := make([]string, 0, len(r.Loaded))
		for _, d := range r.Loaded {
			names = append(names, d.Name)
			texts = append(texts, d.Text)
		}
		fmt.Fprintf(&b, "Loaded %d file(s) into context: %s", len(r.Loaded), strings.Join(names, ", "))
		if n, ok := counter.CountAll(texts...); ok {
			fmt.Fprintf(&b, " (%d tokens)", n)
		}
		b.WriteString(".")
	}
	if len(r.Unreadable) > 0 {
		names := make([]string, 0, len(r.Unreadable))
		for _, rec := range r.Unreadable {
			names = append(names, rec.Name)
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Ignored binary or unreadable file(s): %s.", strings.Join(names, ", "))
	}
	return b.String()
}
