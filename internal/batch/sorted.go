package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Xianyu39/SqueezeLM/pkg/llmapi"
)

// SortedResults reads the append-only output sink and returns its records
// in the original input order. When a resumed run recorded more than one
// line for an ID (a cancelled attempt followed by a terminal one), the
// last line wins.
func SortedResults(inputPath, outputPath string) ([]llmapi.ResultLine, error) {
	entries, err := readEntries(inputPath)
	if err != nil {
		return nil, err
	}
	byID, err := readResults(outputPath)
	if err != nil {
		return nil, err
	}
	out := make([]llmapi.ResultLine, 0, len(entries))
	for _, e := range entries {
		if line, ok := byID[e.id]; ok {
			out = append(out, line)
		}
	}
	return out, nil
}

func readResults(path string) (map[string]llmapi.ResultLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results %s: %w", path, err)
	}
	defer f.Close()

	byID := make(map[string]llmapi.ResultLine, 256)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		lineNo++
		if raw == "" {
			continue
		}
		var line llmapi.ResultLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("results %s line %d: %w", path, lineNo, err)
		}
		byID[line.ID] = line
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results %s: %w", path, err)
	}
	return byID, nil
}
