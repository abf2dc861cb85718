package tle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withField replaces line[from:to] with value and recomputes the checksum.
func withField(line string, from, to int, value string) string {
	s := line[:from] + value + line[to:]
	return s[:lineLength-1] + string(checksum(s))
}

func requireKind(t *testing.T, err error, kind ParseErrorKind) {
	t.Helper()
	var pe *ParseError
	require.True(t, errors.As(err, &pe), "want *ParseError, got %v", err)
	assert.Equal(t, kind, pe.Kind, pe.Error())
}

func TestParseEntry(t *testing.T) {
	e, err := ParseEntry(issName, issLine1, issLine2)
	require.NoError(t, err)

	assert.Equal(t, 25544, e.NORADID)
	assert.Equal(t, issName, e.Name)
	assert.Equal(t, issLine1, e.Line1)
	assert.Equal(t, issLine2, e.Line2)

	want := time.Date(2025, 2, 14, 4, 19, 40, 0, time.UTC)
	assert.WithinDuration(t, want, e.Epoch, time.Millisecond)

	assert.Equal(t, 51.6412, e.Elements.InclinationDeg)
	assert.Equal(t, 193.5765, e.Elements.RAANDeg)
	assert.InDelta(t, 0.0003457, e.Elements.Eccentricity, 1e-15)
	assert.Equal(t, 126.2851, e.Elements.ArgPerigeeDeg)
	assert.Equal(t, 233.8519, e.Elements.MeanAnomalyDeg)
	assert.Equal(t, 15.49874301, e.Elements.MeanMotionRevDay)
}

func TestParseEntryNameDefaultsToCatalogNumber(t *testing.T) {
	e, err := ParseEntry("", starlinkLine1, starlinkLine2)
	require.NoError(t, err)
	assert.Equal(t, "44713", e.Name)

	e, err = ParseEntry("0 STARLINK-1007", starlinkLine1, starlinkLine2)
	require.NoError(t, err)
	assert.Equal(t, starlinkName, e.Name)
}

func TestParseEntryErrors(t *testing.T) {
	badChecksum := issLine1[:lineLength-1] + "0"

	tests := []struct {
		name         string
		line1, line2 string
		kind         ParseErrorKind
	}{
		{"short line", issLine1[:60], issLine2, KindFormat},
		{"swapped lines", issLine2, issLine1, KindFormat},
		{"checksum", badChecksum, issLine2, KindChecksum},
		{"catalog mismatch", issLine1, starlinkLine2, KindFormat},
		{"bad norad id", withField(issLine1, 2, 7, "25x44"), withField(issLine2, 2, 7, "25x44"), KindFormat},
		{"bad epoch", withField(issLine1, 18, 32, "25999.00000000"), issLine2, KindFormat},
		{"inclination out of range", issLine1, withField(issLine2, 8, 16, "190.0000"), KindRange},
		{"zero mean motion", issLine1, withField(issLine2, 52, 63, "00.00000000"), KindRange},
		{"garbled raan", issLine1, withField(issLine2, 17, 25, "19x.5765"), KindFormat},
		{"garbled eccentricity", issLine1, withField(issLine2, 26, 33, "00-3457"), KindFormat},
		{"letters in bstar", withField(issLine1, 53, 61, " 3OO99-3"), issLine2, KindFormat},
		{"garbled mean motion derivative", withField(issLine1, 33, 43, " .0OO16717"), issLine2, KindFormat},
		{"garbled second derivative", withField(issLine1, 44, 52, " 0x000+0"), issLine2, KindFormat},
		{"space inside epoch day", withField(issLine1, 18, 32, "25 45.18032407"), issLine2, KindFormat},
		{"garbled mean anomaly", issLine1, withField(issLine2, 43, 51, "233.85l9"), KindFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEntry(issName, tt.line1, tt.line2)
			requireKind(t, err, tt.kind)
		})
	}
}

func TestParseLinesCount(t *testing.T) {
	_, err := ParseLines([]string{issLine1})
	requireKind(t, err, KindLineCount)

	_, err = ParseLines([]string{issName, issLine1, issLine2, issLine2})
	requireKind(t, err, KindLineCount)

	e, err := ParseLines([]string{issLine1, issLine2})
	require.NoError(t, err)
	assert.Equal(t, 25544, e.NORADID)
}

func TestChecksum(t *testing.T) {
	for _, line := range []string{issLine1, issLine2, starlinkLine1, starlinkLine2} {
		assert.Equal(t, line[lineLength-1], checksum(line), line)
	}
}

func TestParseSkipsMalformedEntries(t *testing.T) {
	input := strings.Join([]string{
		"GARBAGE HEADER",
		issName, issLine1, issLine2,
		"BROKEN", issLine1[:lineLength-1] + "0", issLine2,
		starlinkLine1, starlinkLine2, // 2-line form
		"",
		"TRAILING NAME",
	}, "\r\n")

	entries, err := Parse(strings.NewReader(input), testLogger)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 25544, entries[0].NORADID)
	assert.Equal(t, issName, entries[0].Name)
	assert.Equal(t, 44713, entries[1].NORADID)
}

func TestDatasetSelect(t *testing.T) {
	iss, err := ParseEntry(issName, issLine1, issLine2)
	require.NoError(t, err)
	sl, err := ParseEntry(starlinkName, starlinkLine1, starlinkLine2)
	require.NoError(t, err)
	sl2 := sl
	sl2.NORADID = 44714
	sl2.Name = "STARLINK-2000"

	ds := NewDataset("test", time.Now(), []Entry{sl, iss, sl2})
	assert.Equal(t, sl.Epoch, ds.EpochRange.Min)
	assert.Equal(t, iss.Epoch, ds.EpochRange.Max)

	assert.Len(t, ds.Select("", 0), 3)
	assert.Len(t, ds.Select("starlink", 0), 2)
	assert.Len(t, ds.Select("STARLINK", 1), 1)
	assert.Equal(t, "STARLINK-1007", ds.Select("STARLINK", 1)[0].Name)
	assert.Empty(t, ds.Select("HUBBLE", 0))

	found, ok := ds.Find(25544)
	require.True(t, ok)
	assert.Equal(t, issName, found.Name)
	_, ok = ds.Find(1)
	assert.False(t, ok)
}

func TestNewDatasetMergesDuplicates(t *testing.T) {
	iss, err := ParseEntry(issName, issLine1, issLine2)
	require.NoError(t, err)
	sl, err := ParseEntry(starlinkName, starlinkLine1, starlinkLine2)
	require.NoError(t, err)
	issNewer := iss
	issNewer.Name = "ISS (NEWER)"
	issNewer.Epoch = iss.Epoch.Add(time.Hour)
	issOlder := iss
	issOlder.Name = "ISS (OLDER)"
	issOlder.Epoch = iss.Epoch.Add(-time.Hour)

	ds := NewDataset("test", time.Now(), []Entry{iss, sl, issNewer, issOlder})
	require.Len(t, ds.Entries, 2)
	assert.Equal(t, "ISS (NEWER)", ds.Entries[0].Name)
	assert.Equal(t, 44713, ds.Entries[1].NORADID)
	assert.Equal(t, issNewer.Epoch, ds.EpochRange.Max)
	assert.Equal(t, sl.Epoch, ds.EpochRange.Min)
	assert.Len(t, ds.Select("ISS", 0), 1)
}
