/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package objfile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
	"rsc.io/binaryregexp"
)

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}

// RegexAndNeedle is a compiled byte pattern plus the longest run of fixed
// bytes in it, which is searched for first to pick the windows worth a
// full regex scan.
type RegexAndNeedle struct {
	len    int
	rawre  string
	re     *binaryregexp.Regexp
	needle []byte
}

// Len is the number of byte positions the pattern spans.
func (r *RegexAndNeedle) Len() int { return r.len }

// String is the translated regular expression.
func (r *RegexAndNeedle) String() string { return r.rawre }

// Needle is the longest fixed byte run of the pattern.
func (r *RegexAndNeedle) Needle() []byte { return slices.Clone(r.needle) }

// patternBuilder accumulates the regex and tracks fixed byte runs.
type patternBuilder struct {
	regex  strings.Builder
	len    int
	needle []byte
	run    []byte
}

// breakRun ends the current fixed byte run, keeping it if it is the longest so far.
func (b *patternBuilder) breakRun() {
	if len(b.run) > len(b.needle) {
		b.needle = slices.Clone(b.run)
	}
	b.run = b.run[:0]
}

// RegexpPatternFromYaraPattern translates a yara-style hex pattern, like:
//
//	{ F1 FF FF FF 00 00 (01|02|04) (04|08) }
//
// to a regular expression compatible with the binaryregexp module, like:
//
//	\xF1\xFF\xFF\xFF\x00\x00(\x01|\x02|\x04)(\x04|\x08)
//
// Supported tokens are AB, A?, ??, [x-y] jumps and (AB|CD) alternations.
func RegexpPatternFromYaraPattern(pattern string) (*RegexAndNeedle, error) {
	if !strings.HasPrefix(pattern, "{") {
		return nil, errors.New("missing prefix")
	}
	if !strings.HasSuffix(pattern, "}") {
		return nil, errors.New("missing suffix")
	}

	pattern = strings.Trim(pattern, "{}")
	pattern = strings.ReplaceAll(pattern, " ", "")
	pattern = strings.ToLower(pattern)

	var b patternBuilder
	for i := 0; i < len(pattern); {
		c := pattern[i : i+1]

		switch c {
		// input: [x-y]
		// output: .{x,y}
		case "[":
			end := strings.Index(pattern[i:], "]")
			if end == -1 {
				return nil, errors.New("unbalanced [")
			}
			low, high, found := strings.Cut(pattern[i+1:i+end], "-")
			if !found {
				return nil, errors.New("[] didn't contain a dash")
			}
			if _, err := strconv.Atoi(low); err != nil {
				return nil, errors.New("invalid number")
			}
			span, err := strconv.Atoi(high)
			if err != nil {
				return nil, errors.New("invalid number")
			}
			fmt.Fprintf(&b.regex, ".{%s,%s}", low, high)
			b.len += span
			b.breakRun()
			i += end + 1
			continue

		// input: (AA|BB|CC)
		// output: (\xAA|\xBB|\xCC)
		case "(":
			end := strings.Index(pattern[i:], ")")
			if end == -1 {
				return nil, errors.New("unbalanced (")
			}
			choices := strings.Split(pattern[i+1:i+end], "|")
			b.regex.WriteString("(")
			for j, choice := range choices {
				if len(choice) != 2 || !isHex(choice) {
					return nil, errors.New("choice not hex")
				}
				if j != 0 {
					b.regex.WriteString("|")
				}
				b.regex.WriteString(`\x` + strings.ToUpper(choice))
			}
			b.regex.WriteString(")")
			b.len++
			b.breakRun()
			i += end + 1
			continue
		}

		if i+1 >= len(pattern) {
			return nil, errors.New("dangling nibble")
		}
		d := pattern[i+1 : i+2]

		switch {
		// input: ??
		// output: .
		case c == "?":
			if d != "?" {
				return nil, errors.New("cannot mask the first nibble")
			}
			b.regex.WriteString(".")
			b.breakRun()

		// input: 0?
		// output: [\x00-\x0F]
		case d == "?":
			if !isHex(c) {
				return nil, errors.New("not hex digit")
			}
			hi := strings.ToUpper(c)
			fmt.Fprintf(&b.regex, `[\x%s0-\x%sF]`, hi, hi)
			b.breakRun()

		// input: AB
		// output: \xAB
		case isHex(c + d):
			byt, err := strconv.ParseUint(c+d, 16, 8)
			if err != nil {
				return nil, errors.New("not hex digit")
			}
			b.regex.WriteString(`\x` + strings.ToUpper(c+d))
			b.run = append(b.run, byte(byt))

		default:
			return nil, errors.New("unexpected value")
		}
		b.len++
		i += 2
	}
	b.breakRun()

	// ?? must match every byte value, newline included
	re, err := binaryregexp.Compile("(?s)" + b.regex.String())
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex: %w", err)
	}
	return &RegexAndNeedle{len: b.len, rawre: b.regex.String(), re: re, needle: b.needle}, nil
}

// FindRegex returns the sorted start offsets of every match in data.
func FindRegex(data []byte, regexInfo *RegexAndNeedle) []int {
	if len(regexInfo.needle) == 0 {
		var matches []int
		for _, m := range regexInfo.re.FindAllIndex(data, -1) {
			matches = append(matches, m[0])
		}
		return matches
	}

	dataLen := len(data)
	var matches []int

	// use a fast memscan to find candidate windows in the much larger haystack
	for _, needleMatch := range findAllOccurrences(data, [][]byte{regexInfo.needle}) {
		// the needle may sit anywhere inside the pattern, so scan [-len, +len) around it
		start := needleMatch - regexInfo.len
		if start < 0 {
			start = 0
		}
		end := needleMatch + regexInfo.len + len(regexInfo.needle)
		if end > dataLen {
			end = dataLen
		}

		for _, reMatch := range regexInfo.re.FindAllIndex(data[start:end], -1) {
			matches = append(matches, start+reMatch[0])
		}
	}

	// neighbouring windows overlap
	slices.Sort(matches)
	return slices.Compact(matches)
}
