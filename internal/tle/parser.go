package tle

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// lineLength is the fixed width of a TLE data line, checksum included.
const lineLength = 69

// ParseErrorKind classifies why a TLE entry was rejected.
type ParseErrorKind string

const (
	KindLineCount ParseErrorKind = "line_count"
	KindFormat    ParseErrorKind = "format"
	KindChecksum  ParseErrorKind = "checksum"
	KindRange     ParseErrorKind = "range"
)

// ParseError is returned for a TLE entry that cannot be used.
type ParseError struct {
	Kind ParseErrorKind
	Name string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("tle %s error for %q: %s", e.Kind, e.Name, e.Msg)
	}
	return fmt.Sprintf("tle %s error: %s", e.Kind, e.Msg)
}

func parseErr(kind ParseErrorKind, name, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Name: name, Msg: fmt.Sprintf(format, args...)}
}

// Parse reads NORAD TLE text from r and returns parsed entries. Both the
// 3-line (name + two lines) and the bare 2-line format are accepted.
// Malformed entries are skipped with a warning log.
func Parse(r io.Reader, logger *slog.Logger) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading TLE data: %w", err)
	}

	var entries []Entry
	for i := 0; i < len(lines); {
		var block []string
		switch {
		case isLine(lines, i, '1') && isLine(lines, i+1, '2'):
			block = lines[i : i+2]
		case isLine(lines, i+1, '1') && isLine(lines, i+2, '2'):
			block = lines[i : i+3]
		default:
			// Try to find next valid block.
			logger.Warn("skipping malformed TLE line", "line_index", i, "line", lines[i])
			i++
			continue
		}
		i += len(block)

		entry, err := ParseLines(block)
		if err != nil {
			logger.Warn("skipping invalid TLE entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func isLine(lines []string, i int, number byte) bool {
	return i < len(lines) && len(lines[i]) > 1 && lines[i][0] == number && lines[i][1] == ' '
}

// ParseLines parses one entry given as either [line1, line2] or
// [name, line1, line2].
func ParseLines(lines []string) (Entry, error) {
	switch len(lines) {
	case 2:
		return ParseEntry("", lines[0], lines[1])
	case 3:
		return ParseEntry(lines[0], lines[1], lines[2])
	}
	return Entry{}, parseErr(KindLineCount, "", "expected 2 or 3 lines, got %d", len(lines))
}

// ParseEntry validates one TLE and extracts its catalog number, epoch and
// mean elements. The name may be empty.
func ParseEntry(name, line1, line2 string) (Entry, error) {
	name = strings.TrimSpace(strings.TrimPrefix(name, "0 "))
	line1 = strings.TrimRight(line1, "\r\n ")
	line2 = strings.TrimRight(line2, "\r\n ")

	for i, line := range []string{line1, line2} {
		if len(line) != lineLength {
			return Entry{}, parseErr(KindFormat, name, "line %d length %d, expected %d", i+1, len(line), lineLength)
		}
		if line[0] != byte('1'+i) || line[1] != ' ' {
			return Entry{}, parseErr(KindFormat, name, "line %d must start with %q", i+1, fmt.Sprintf("%d ", i+1))
		}
		if want, got := checksum(line), line[lineLength-1]; got != want {
			return Entry{}, parseErr(KindChecksum, name, "line %d checksum %q, computed %q", i+1, got, want)
		}
	}

	if err := checkModelFields(name, line1, line2); err != nil {
		return Entry{}, err
	}

	noradStr := strings.TrimSpace(line1[2:7])
	noradID, err := strconv.Atoi(noradStr)
	if err != nil {
		return Entry{}, parseErr(KindFormat, name, "invalid NORAD ID %q", noradStr)
	}
	if other := strings.TrimSpace(line2[2:7]); other != noradStr {
		return Entry{}, parseErr(KindFormat, name, "catalog number mismatch: line 1 %q, line 2 %q", noradStr, other)
	}
	if name == "" {
		name = noradStr
	}

	epochStr := strings.TrimSpace(line1[18:32])
	epoch, err := parseEpoch(epochStr)
	if err != nil {
		return Entry{}, parseErr(KindFormat, name, "invalid epoch %q: %v", epochStr, err)
	}

	el, err := parseElements(name, line2)
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		NORADID:  noradID,
		Name:     name,
		Epoch:    epoch,
		Line1:    line1,
		Line2:    line2,
		Elements: el,
	}, nil
}

// checksum returns the modulo-10 checksum digit of a TLE line: the sum of all
// digits in the first 68 columns, with each minus sign counting as 1.
func checksum(line string) byte {
	sum := 0
	for i := 0; i < lineLength-1; i++ {
		switch c := line[i]; {
		case c >= '0' && c <= '9':
			sum += int(c - '0')
		case c == '-':
			sum++
		}
	}
	return byte('0' + sum%10)
}

// squeeze drops the first two spaces of s, the way the SGP4 library
// normalizes signed fields before converting them.
func squeeze(s string) string {
	return strings.Replace(s, " ", "", 2)
}

// checkModelFields converts every field exactly as the SGP4 library does when
// it loads a TLE. That library exits the process on a conversion error, so
// anything it cannot read is rejected here as a format error.
func checkModelFields(name, line1, line2 string) error {
	fields := []struct {
		label   string
		raw     string
		integer bool
	}{
		{"catalog number", strings.TrimSpace(line1[2:7]), true},
		{"epoch year", line1[18:20], true},
		{"epoch day", line1[20:32], false},
		{"mean motion derivative", squeeze(line1[33:43]), false},
		{"mean motion second derivative", squeeze(line1[44:45] + "." + line1[45:50] + "e" + line1[50:52]), false},
		{"bstar", squeeze(line1[53:54] + "." + line1[54:59] + "e" + line1[59:61]), false},
		{"inclination", squeeze(line2[8:16]), false},
		{"raan", squeeze(line2[17:25]), false},
		{"eccentricity", "." + line2[26:33], false},
		{"arg_perigee", squeeze(line2[34:42]), false},
		{"mean_anomaly", squeeze(line2[43:51]), false},
		{"mean_motion", squeeze(line2[52:63]), false},
	}
	for _, f := range fields {
		if f.integer {
			if _, err := strconv.ParseInt(f.raw, 10, 0); err != nil {
				return parseErr(KindFormat, name, "invalid %s %q", f.label, f.raw)
			}
			continue
		}
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return parseErr(KindFormat, name, "invalid %s %q", f.label, f.raw)
		}
	}
	return nil
}

type elementField struct {
	label    string
	from, to int
	min, max float64
	dst      *float64
}

func parseElements(name, line2 string) (Elements, error) {
	var el Elements
	fields := []elementField{
		{"inclination", 8, 16, 0, 180, &el.InclinationDeg},
		{"raan", 17, 25, 0, 360, &el.RAANDeg},
		{"arg_perigee", 34, 42, 0, 360, &el.ArgPerigeeDeg},
		{"mean_anomaly", 43, 51, 0, 360, &el.MeanAnomalyDeg},
		{"mean_motion", 52, 63, 0, 20, &el.MeanMotionRevDay},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(line2[f.from:f.to])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Elements{}, parseErr(KindFormat, name, "invalid %s %q", f.label, raw)
		}
		if v < f.min || v > f.max {
			return Elements{}, parseErr(KindRange, name, "%s %v outside [%v, %v]", f.label, v, f.min, f.max)
		}
		*f.dst = v
	}
	if el.MeanMotionRevDay == 0 {
		return Elements{}, parseErr(KindRange, name, "mean_motion must be positive")
	}

	// Eccentricity has an implied leading decimal point.
	raw := strings.TrimSpace(line2[26:33])
	digits, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || len(raw) != 7 {
		return Elements{}, parseErr(KindFormat, name, "invalid eccentricity %q", raw)
	}
	el.Eccentricity = float64(digits) / 1e7
	if el.Eccentricity >= 1 {
		return Elements{}, parseErr(KindRange, name, "eccentricity %v is not elliptical", el.Eccentricity)
	}

	return el, nil
}

// parseEpoch converts a TLE epoch string in YYDDD.DDDDDDDD format to time.Time.
// Year 00-56 → 2000s, 57-99 → 1900s.
func parseEpoch(s string) (time.Time, error) {
	if len(s) < 5 {
		return time.Time{}, fmt.Errorf("epoch string too short: %q", s)
	}

	yearStr := s[:2]
	dayStr := s[2:]

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch year %q: %w", yearStr, err)
	}

	if year >= 57 {
		year += 1900
	} else {
		year += 2000
	}

	dayOfYear, err := strconv.ParseFloat(dayStr, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid epoch day %q: %w", dayStr, err)
	}
	if dayOfYear < 1 || dayOfYear >= 367 {
		return time.Time{}, fmt.Errorf("epoch day %v out of range", dayOfYear)
	}

	// dayOfYear is 1-based: day 1 = Jan 1.
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	dur := time.Duration((dayOfYear - 1) * float64(24*time.Hour))
	return t.Add(dur), nil
}
