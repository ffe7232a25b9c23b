// Package layout estimates spreadsheet row heights without measuring glyphs.
package layout

import (
	"math"
	"strings"
	"unicode"
)

const (
	MinHeight = 30.0
	MaxHeight = 300.0

	basePadding   = 20.0
	lineSpacing   = 1.5
	wideCharWidth = 2
)

// EstimateHeight approximates the height in points needed to show text in a
// wrapped cell. Han, Hiragana, Katakana and Hangul count as two columns.
// Empty text yields MinHeight.
func EstimateHeight(text string, columnWidthChars, fontSize float64) float64 {
	if text == "" {
		return MinHeight
	}
	if columnWidthChars <= 0 {
		columnWidthChars = 1
	}
	rows := 0
	for _, line := range strings.Split(text, "\n") {
		rows += wrappedRows(line, columnWidthChars)
	}
	h := basePadding + float64(rows)*fontSize*lineSpacing
	return math.Max(MinHeight, math.Min(MaxHeight, h))
}

func wrappedRows(line string, width float64) int {
	n := int(math.Ceil(float64(Width(line)) / width))
	if n < 1 {
		return 1
	}
	return n
}

// Width is the weighted column count of a single line.
func Width(line string) int {
	w := 0
	for _, r := range line {
		if isWide(r) {
			w += wideCharWidth
		} else {
			w++
		}
	}
	return w
}

func isWide(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF01 && r <= 0xFF60)
}
