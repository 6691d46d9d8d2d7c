package adjacency

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseEdgeList reads a whitespace-separated edge list, one "source target"
// pair per line. Blank lines and lines starting with '#' are skipped. The
// node count is 1 + the largest index seen, or numNodes if that is larger.
func ParseEdgeList(r io.Reader, numNodes int) (*EdgeList, error) {
	var sources, targets []int32
	maxIdx := int32(-1)
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("edge list line %d: expected 2 fields, got %d (%q)",
				lineNum, len(fields), line)
		}
		src, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "edge list line %d: bad source index %q", lineNum, fields[0])
		}
		dst, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "edge list line %d: bad target index %q", lineNum, fields[1])
		}
		if src < 0 || dst < 0 {
			return nil, errors.Errorf("edge list line %d: negative node index in %q", lineNum, line)
		}
		sources = append(sources, int32(src))
		targets = append(targets, int32(dst))
		maxIdx = max(maxIdx, int32(src), int32(dst))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading edge list")
	}
	n := max(numNodes, int(maxIdx)+1)
	return NewEdgeList(sources, targets, n), nil
}
