package lsp

import (
	"fmt"
	"sync"
)

// Document is one open text document. Content and version are guarded so
// providers running on pool workers can read while a didChange applies.
type Document struct {
	URI        DocumentURI
	LanguageID string

	mu      sync.RWMutex
	version int
	text    string
	conv    *PositionConverter
}

func newDocument(item TextDocumentItem) *Document {
	return &Document{
		URI:        item.URI,
		LanguageID: item.LanguageID,
		version:    item.Version,
		text:       item.Text,
		conv:       NewPositionConverter(item.Text),
	}
}

// Version returns the current document version.
func (d *Document) Version() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Text returns the current document content.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

// LineCount returns the number of lines.
func (d *Document) LineCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conv.LineCount()
}

// Line returns the content of one line, excluding its newline.
func (d *Document) Line(num int) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conv.LineContent(num)
}

// PositionToOffset converts an LSP position to a byte offset into Text.
func (d *Document) PositionToOffset(pos Position) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conv.PositionToByteOffset(pos)
}

// OffsetToPosition converts a byte offset into Text to an LSP position.
func (d *Document) OffsetToPosition(off int) Position {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conv.ByteOffsetToPosition(off)
}

// DocumentLanguage satisfies the provider filter helpers.
func (d *Document) DocumentLanguage() string {
	if d == nil {
		return ""
	}
	return d.LanguageID
}

// applyChanges applies a didChange batch in order. Each change sees the
// text produced by the one before it. A nil range replaces the whole
// document.
func (d *Document) applyChanges(version int, changes []TextDocumentContentChangeEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, ch := range changes {
		if ch.Range == nil {
			d.text = ch.Text
			d.conv = NewPositionConverter(d.text)
			continue
		}

		start, end := d.conv.RangeToByteOffsets(*ch.Range)
		if start > end {
			return fmt.Errorf("change range inverted: %d > %d", start, end)
		}
		d.text = d.text[:start] + ch.Text + d.text[end:]
		d.conv = NewPositionConverter(d.text)
	}

	d.version = version
	return nil
}

// replace swaps in full text, keeping the version. Used by didSave when
// the client includes the saved text.
func (d *Document) replace(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.text = text
	d.conv = NewPositionConverter(text)
}
