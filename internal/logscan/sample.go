package logscan

import "strings"

const (
	maxSampleLines = 50
	sampleWidth    = 200
	headLines      = 10
	headWidth      = 150
)

// sampleMarkers flag lines worth showing when diagnosing log access
var sampleMarkers = []string{"🚀", "📊", "✅", "SCIENCE LIVE", "nanopub"}

// Line is a numbered, possibly truncated log line
type Line struct {
	LineNumber int    `json:"lineNumber"`
	Content    string `json:"content"`
}

// Info summarises a log for the log-access probe
type Info struct {
	Accessible  bool   `json:"accessible"`
	TotalSize   int    `json:"total_size"`
	TotalLines  int    `json:"total_lines"`
	SampleLines []Line `json:"sample_lines"`
	FirstLines  []Line `json:"first_10_lines"`
}

// Sample collects up to 50 marker lines and the first 10 lines of a log
func Sample(data []byte) (*Info, error) {
	lines, err := Lines(data)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Accessible:  true,
		TotalSize:   len(data),
		TotalLines:  len(lines),
		SampleLines: []Line{},
		FirstLines:  []Line{},
	}
	for i, line := range lines {
		if len(info.SampleLines) >= maxSampleLines {
			break
		}
		if hasMarker(line) {
			info.SampleLines = append(info.SampleLines, Line{LineNumber: i + 1, Content: truncate(line, sampleWidth)})
		}
	}
	for i := 0; i < len(lines) && i < headLines; i++ {
		info.FirstLines = append(info.FirstLines, Line{LineNumber: i + 1, Content: truncate(lines[i], headWidth)})
	}
	return info, nil
}

func hasMarker(line string) bool {
	for _, m := range sampleMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n characters
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
