// Package logscan pulls the processing report out of raw workflow logs.
//
// Scraping logs is the legacy result channel: the report is recognised only
// by marker lines the processing script prints. Everything that depends on
// those markers lives here so it can be dropped once committed results are
// the only channel.
package logscan

import (
	"archive/zip"
	"bytes"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	DefaultStartMarker = "=== SCIENCE LIVE NANOPUB PROCESSING REPORT ==="
	DefaultEndMarker   = "=== PROCESSING COMPLETE ==="
)

// runnerTimestamp matches the ISO timestamp the runner prefixes to every log
// line, plus anything before it (step names in combined logs).
var runnerTimestamp = regexp.MustCompile(`^.*?\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+Z\s+`)

var zipMagic = []byte("PK\x03\x04")

// ErrArchiveTooLarge is returned when a log archive expands past maxExpandedBytes
var ErrArchiveTooLarge = errors.New("log archive expands past size limit")

// maxExpandedBytes caps the decompressed size of all entries of one archive
var maxExpandedBytes int64 = 256 << 20

// Extractor finds the report between a start and an end marker line
type Extractor struct {
	Start string
	End   string
}

// Default returns an Extractor using the processing script's markers
func Default() Extractor {
	return Extractor{Start: DefaultStartMarker, End: DefaultEndMarker}
}

// Extract returns the report region of a log, from the start marker line up
// to and including the end marker line, with runner timestamps removed. A
// missing end marker yields everything after the start marker. data may be
// plain text or a zip log archive. ok is false when no report was found.
func (e Extractor) Extract(data []byte) (report string, ok bool) {
	lines, err := Lines(data)
	if err != nil {
		return "", false
	}

	var region []string
	started := false
	for _, line := range lines {
		if !started && strings.Contains(line, e.Start) {
			started = true
		}
		if !started {
			continue
		}
		region = append(region, StripTimestamp(line))
		if e.End != "" && strings.Contains(line, e.End) {
			break
		}
	}
	if len(region) == 0 {
		return "", false
	}
	return strings.Join(region, "\n"), true
}

// StripTimestamp removes the runner's timestamp prefix from a log line
func StripTimestamp(line string) string {
	return runnerTimestamp.ReplaceAllString(line, "")
}

// Lines splits a log into lines. A zip archive, as served by the logs
// endpoint, is read entry by entry in name order.
func Lines(data []byte) ([]string, error) {
	if !bytes.HasPrefix(data, zipMagic) {
		return splitLines(string(data)), nil
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open log archive")
	}

	files := make([]*zip.File, 0, len(archive.File))
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var lines []string
	remaining := maxExpandedBytes
	for _, f := range files {
		content, err := readEntry(f, remaining)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read log entry %s", f.Name)
		}
		remaining -= int64(len(content))
		lines = append(lines, splitLines(content)...)
	}
	return lines, nil
}

// readEntry reads at most limit decompressed bytes of f
func readEntry(f *zip.File, limit int64) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(content)) > limit {
		return "", ErrArchiveTooLarge
	}
	return string(content), nil
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
