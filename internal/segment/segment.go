// Package segment classifies instruments into segments (board, tier) for
// segment-conditioned win ratios.
package segment

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"comboval/internal/stats"
)

// Board labels.
const (
	BoardMain    = "main"
	BoardChiNext = "chinext"
	BoardSTAR    = "star"
	BoardBSE     = "bse"
)

var (
	_ stats.SegmentClassifier = Board{}
	_ stats.SegmentClassifier = Map(nil)
	_ stats.SegmentClassifier = Chain(nil)
)

// ---------------------------------------------------------------------------
// Board
// ---------------------------------------------------------------------------

// Board classifies A-share codes by listing board from the code prefix. It
// accepts bare codes ("600000") and exchange-qualified forms ("sh.600000",
// "600000.SH").
type Board struct{}

// Classify implements stats.SegmentClassifier.
func (Board) Classify(id string) (string, bool) {
	code := bareCode(id)
	if len(code) != 6 {
		return "", false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	switch {
	case strings.HasPrefix(code, "300"), strings.HasPrefix(code, "301"):
		return BoardChiNext, true
	case strings.HasPrefix(code, "688"), strings.HasPrefix(code, "689"):
		return BoardSTAR, true
	case strings.HasPrefix(code, "920"), code[0] == '8', code[0] == '4':
		return BoardBSE, true
	default:
		return BoardMain, true
	}
}

func bareCode(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '.'); i >= 0 {
		// "sh.600000" or "600000.SH"
		if len(id[:i]) == 6 {
			return id[:i]
		}
		return id[i+1:]
	}
	return id
}

// ---------------------------------------------------------------------------
// Map
// ---------------------------------------------------------------------------

// Map is an externally supplied instrument -> segment table.
type Map map[string]string

// Classify implements stats.SegmentClassifier.
func (m Map) Classify(id string) (string, bool) {
	s, ok := m[id]
	return s, ok && s != ""
}

// LoadCSV reads "instrument_id,segment" rows after a header line. Rows with
// an empty segment are skipped.
func LoadCSV(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	defer f.Close()

	m := make(Map)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header
		}
		fields := strings.Split(scanner.Text(), ",")
		if len(fields) < 2 {
			continue
		}
		id := strings.TrimSpace(fields[0])
		seg := strings.TrimSpace(fields[1])
		if id != "" && seg != "" {
			m[id] = seg
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading segment file: %w", err)
	}

	slog.Info("loaded segment map", "file", path, "instruments", len(m))
	return m, nil
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

// Chain asks each classifier in order and returns the first answer.
type Chain []stats.SegmentClassifier

// Classify implements stats.SegmentClassifier.
func (c Chain) Classify(id string) (string, bool) {
	for _, cl := range c {
		if s, ok := cl.Classify(id); ok {
			return s, true
		}
	}
	return "", false
}
