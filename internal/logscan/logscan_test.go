package logscan

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = "2024-05-01T12:00:01.1234567Z Setting up job\n" +
	"2024-05-01T12:00:02.1234567Z 🚀 Processing 2 nanopubs\n" +
	"2024-05-01T12:00:03.1234567Z === SCIENCE LIVE NANOPUB PROCESSING REPORT ===\n" +
	"2024-05-01T12:00:03.2234567Z Batch: batch_test_1\n" +
	"2024-05-01T12:00:03.3234567Z Processed: 2\n" +
	"2024-05-01T12:00:04.1234567Z === PROCESSING COMPLETE ===\n" +
	"2024-05-01T12:00:05.1234567Z Cleaning up\n"

const wantReport = "=== SCIENCE LIVE NANOPUB PROCESSING REPORT ===\n" +
	"Batch: batch_test_1\n" +
	"Processed: 2\n" +
	"=== PROCESSING COMPLETE ==="

func zipLogs(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractPlainText(t *testing.T) {
	report, ok := Default().Extract([]byte(sampleLog))
	require.True(t, ok)
	assert.Equal(t, wantReport, report)
}

func TestExtractZipArchive(t *testing.T) {
	data := zipLogs(t, map[string]string{
		"2_Report.txt": strings.Join(strings.Split(sampleLog, "\n")[2:], "\n"),
		"1_Set up.txt": strings.Join(strings.Split(sampleLog, "\n")[:2], "\n"),
	})

	report, ok := Default().Extract(data)
	require.True(t, ok)
	assert.Equal(t, wantReport, report)
}

func TestExtractWithoutEndMarker(t *testing.T) {
	log := "2024-05-01T12:00:03.1Z === SCIENCE LIVE NANOPUB PROCESSING REPORT ===\r\n2024-05-01T12:00:03.2Z partial"

	report, ok := Default().Extract([]byte(log))
	require.True(t, ok)
	assert.Equal(t, "=== SCIENCE LIVE NANOPUB PROCESSING REPORT ===\npartial", report)
}

func TestExtractNoReport(t *testing.T) {
	_, ok := Default().Extract([]byte("2024-05-01T12:00:01.1Z nothing to see\n"))
	assert.False(t, ok)

	_, ok = Default().Extract([]byte("PK\x03\x04 truncated archive"))
	assert.False(t, ok)
}

func TestStripTimestamp(t *testing.T) {
	assert.Equal(t, "hello", StripTimestamp("2024-05-01T12:00:01.1234567Z hello"))
	assert.Equal(t, "hello", StripTimestamp("process\t2024-05-01T12:00:01.1234567Z hello"))
	assert.Equal(t, "no timestamp", StripTimestamp("no timestamp"))
}

func TestSample(t *testing.T) {
	info, err := Sample([]byte(sampleLog))
	require.NoError(t, err)

	assert.True(t, info.Accessible)
	assert.Equal(t, len(sampleLog), info.TotalSize)
	assert.Equal(t, 8, info.TotalLines)
	require.Len(t, info.SampleLines, 2)
	assert.Equal(t, 2, info.SampleLines[0].LineNumber)
	assert.Contains(t, info.SampleLines[0].Content, "🚀")
	assert.Equal(t, 3, info.SampleLines[1].LineNumber)
	assert.Len(t, info.FirstLines, 8)
}

func TestSampleLimits(t *testing.T) {
	long := strings.Repeat("nanopub ", 40)
	var b strings.Builder
	for i := 0; i < 80; i++ {
		b.WriteString(long)
		b.WriteString("\n")
	}

	info, err := Sample([]byte(b.String()))
	require.NoError(t, err)

	assert.Len(t, info.SampleLines, 50)
	assert.Len(t, []rune(info.SampleLines[0].Content), 200)
	assert.Len(t, info.FirstLines, 10)
	assert.Len(t, []rune(info.FirstLines[0].Content), 150)
}

func TestLinesCapsExpandedArchive(t *testing.T) {
	saved := maxExpandedBytes
	maxExpandedBytes = 1024
	defer func() { maxExpandedBytes = saved }()

	// Highly compressible, so the archive itself stays small
	data := zipLogs(t, map[string]string{
		"1_Set up.txt": strings.Repeat("a", 600),
		"2_Report.txt": strings.Repeat("b", 600),
	})
	assert.Less(t, len(data), 1024)

	_, err := Lines(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveTooLarge)

	_, ok := Default().Extract(data)
	assert.False(t, ok)
}

func TestLinesWithinExpandedLimit(t *testing.T) {
	saved := maxExpandedBytes
	maxExpandedBytes = 1024
	defer func() { maxExpandedBytes = saved }()

	lines, err := Lines(zipLogs(t, map[string]string{"1_Set up.txt": strings.Repeat("a", 1024)}))
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}
