// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gcode provides a minimal g-code word tokenizer and program
// geometry helpers. It understands only as much g-code as the driver
// needs: words (letter + number), comments, and axis extents.
package gcode

import (
	"math"
	"strconv"
	"strings"
)

// StripComments removes parenthesized and semicolon comments and trims
// surrounding whitespace.
//
//	"G0 X10 (rapid) ; move" -> "G0 X10"
func StripComments(line string) string {
	var b strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '(':
			depth++
		case r == ')':
			if depth > 0 {
				depth--
			}
		case r == ';':
			if depth == 0 {
				return strings.TrimSpace(b.String())
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Words splits a comment-free line into g-code words. A word is a letter
// followed by a number ("G1", "X10.5", "M0", "N42"). Numbers normalize to
// a canonical form: "M00" parses as "M0", "G01" as "G1".
// Non-word characters between words are skipped.
func Words(line string) []string {
	var words []string
	i := 0
	for i < len(line) {
		c := line[i]
		if !isLetter(c) {
			i++
			continue
		}
		j := i + 1
		for j < len(line) && isNumberChar(line[j]) {
			j++
		}
		if j == i+1 {
			i++
			continue
		}
		letter := strings.ToUpper(string(c))
		value := line[i+1 : j]
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			words = append(words, letter+formatNumber(f))
		}
		i = j
	}
	return words
}

// HasWord reports whether the word list contains the given word.
func HasWord(words []string, word string) bool {
	for _, w := range words {
		if w == word {
			return true
		}
	}
	return false
}

// Lines splits program content on LF or CRLF line endings.
func Lines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.Split(content, "\n")
}

// Box is an axis-aligned bounding box over the X, Y and Z words of a program.
type Box struct {
	XMin, XMax float64
	YMin, YMax float64
	ZMin, ZMax float64
}

// Bounds scans program content and returns the extents of its X/Y/Z words.
// Lines that do not move an axis do not contribute. An empty program
// returns the zero box.
func Bounds(content string) Box {
	box := Box{
		XMin: math.Inf(1), XMax: math.Inf(-1),
		YMin: math.Inf(1), YMax: math.Inf(-1),
		ZMin: math.Inf(1), ZMax: math.Inf(-1),
	}
	seen := false
	for _, line := range Lines(content) {
		line = StripComments(line)
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		for _, w := range Words(line) {
			if len(w) < 2 {
				continue
			}
			v, err := strconv.ParseFloat(w[1:], 64)
			if err != nil {
				continue
			}
			switch w[0] {
			case 'X':
				box.XMin, box.XMax = math.Min(box.XMin, v), math.Max(box.XMax, v)
				seen = true
			case 'Y':
				box.YMin, box.YMax = math.Min(box.YMin, v), math.Max(box.YMax, v)
				seen = true
			case 'Z':
				box.ZMin, box.ZMax = math.Min(box.ZMin, v), math.Max(box.ZMax, v)
				seen = true
			}
		}
	}
	if !seen {
		return Box{}
	}
	clamp := func(v *float64) {
		if math.IsInf(*v, 0) {
			*v = 0
		}
	}
	clamp(&box.XMin)
	clamp(&box.XMax)
	clamp(&box.YMin)
	clamp(&box.YMax)
	clamp(&box.ZMin)
	clamp(&box.ZMax)
	return box
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isNumberChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+'
}

// formatNumber renders a word value without a trailing ".0" so integral
// values read as g-code words normally do.
func formatNumber(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
