package lsp

// PositionConverter translates between byte offsets and LSP positions.
// LSP positions are zero-based line/character pairs with the character
// measured in UTF-16 code units, so conversions have to walk the line's
// runes. An index of line starts keeps lookups cheap for repeated
// conversions against the same content.
type PositionConverter struct {
	content string
	lines   []lineInfo
}

// lineInfo stores line bounds for position conversion.
type lineInfo struct {
	byteOffset int // byte offset of line start
	byteLen    int // length in bytes, excluding newline
	utf16Len   int // length in UTF-16 code units
}

// NewPositionConverter creates a converter for the given content.
func NewPositionConverter(content string) *PositionConverter {
	pc := &PositionConverter{content: content}
	pc.buildLineIndex()
	return pc
}

func (pc *PositionConverter) buildLineIndex() {
	pc.lines = nil
	lineStart := 0

	for i, r := range pc.content {
		if r == '\n' {
			pc.lines = append(pc.lines, lineInfo{
				byteOffset: lineStart,
				byteLen:    i - lineStart,
				utf16Len:   utf16Len(pc.content[lineStart:i]),
			})
			lineStart = i + 1
		}
	}

	// Last line, which may not end with a newline.
	pc.lines = append(pc.lines, lineInfo{
		byteOffset: lineStart,
		byteLen:    len(pc.content) - lineStart,
		utf16Len:   utf16Len(pc.content[lineStart:]),
	})
}

// ByteOffsetToPosition converts a byte offset to an LSP Position.
// Offsets outside the content clamp to its bounds.
func (pc *PositionConverter) ByteOffsetToPosition(byteOffset int) Position {
	if byteOffset < 0 {
		return Position{}
	}

	lineNum := len(pc.lines) - 1
	for i, line := range pc.lines {
		if byteOffset < line.byteOffset+line.byteLen+1 { // +1 for newline
			lineNum = i
			break
		}
	}

	line := pc.lines[lineNum]
	charOffset := byteOffset - line.byteOffset
	if charOffset < 0 {
		charOffset = 0
	}
	if charOffset > line.byteLen {
		charOffset = line.byteLen
	}

	lineContent := pc.content[line.byteOffset : line.byteOffset+line.byteLen]
	return Position{
		Line:      lineNum,
		Character: byteToUTF16Offset(lineContent, charOffset),
	}
}

// PositionToByteOffset converts an LSP Position to a byte offset.
// Positions outside the content clamp to its bounds.
func (pc *PositionConverter) PositionToByteOffset(pos Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(pc.lines) {
		return len(pc.content)
	}

	line := pc.lines[pos.Line]
	lineContent := pc.content[line.byteOffset : line.byteOffset+line.byteLen]
	return line.byteOffset + utf16ToByteOffset(lineContent, pos.Character)
}

// RangeToByteOffsets converts an LSP Range to start and end byte offsets.
func (pc *PositionConverter) RangeToByteOffsets(rng Range) (start, end int) {
	start = pc.PositionToByteOffset(rng.Start)
	end = pc.PositionToByteOffset(rng.End)
	return
}

// LineCount returns the number of lines.
func (pc *PositionConverter) LineCount() int {
	return len(pc.lines)
}

// LineContent returns the content of a line, excluding its newline.
func (pc *PositionConverter) LineContent(lineNum int) string {
	if lineNum < 0 || lineNum >= len(pc.lines) {
		return ""
	}
	line := pc.lines[lineNum]
	return pc.content[line.byteOffset : line.byteOffset+line.byteLen]
}

// --- UTF-16 conversion helpers ---

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	count := 0
	for _, r := range s {
		if r >= 0x10000 {
			count += 2 // surrogate pair
		} else {
			count++
		}
	}
	return count
}

// byteToUTF16Offset converts a byte offset within s to a UTF-16 offset.
func byteToUTF16Offset(s string, byteOff int) int {
	if byteOff <= 0 {
		return 0
	}
	if byteOff >= len(s) {
		return utf16Len(s)
	}

	utf16Off := 0
	for i, r := range s {
		if i >= byteOff {
			break
		}
		if r >= 0x10000 {
			utf16Off += 2
		} else {
			utf16Off++
		}
	}
	return utf16Off
}

// utf16ToByteOffset converts a UTF-16 offset to a byte offset within s.
func utf16ToByteOffset(s string, utf16Off int) int {
	if utf16Off <= 0 {
		return 0
	}

	utf16Count := 0
	for i, r := range s {
		if utf16Count >= utf16Off {
			return i
		}
		if r >= 0x10000 {
			utf16Count += 2
		} else {
			utf16Count++
		}
	}
	return len(s)
}

// --- Position helpers ---

// IsPositionBefore returns true if a is before b.
func IsPositionBefore(a, b Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Character < b.Character
}

// IsPositionAfter returns true if a is after b.
func IsPositionAfter(a, b Position) bool {
	return IsPositionBefore(b, a)
}

// IsPositionInRange returns true if pos is within the range (inclusive).
func IsPositionInRange(pos Position, rng Range) bool {
	return !IsPositionBefore(pos, rng.Start) && !IsPositionAfter(pos, rng.End)
}

// RangesOverlap returns true if two ranges overlap.
func RangesOverlap(a, b Range) bool {
	if !IsPositionBefore(b.Start, a.End) {
		return false
	}
	if !IsPositionBefore(a.Start, b.End) {
		return false
	}
	return true
}
