package replpool

import "strings"

// preambleDirectives are the recognized header-line prefixes. A worker
// loaded with exactly this prefix can be reused across any snippet sharing
// it, so splitting it out is what makes the warm-environment optimization
// possible.
var preambleDirectives = []string{
	"import",
	"open",
	"set_option",
	"namespace",
	"section",
	"universe",
	"variable",
}

// SplitHeader partitions source into (header, body): header is the maximal
// prefix consisting only of blank lines and lines that begin, after
// optional leading whitespace, with a recognized preamble directive. The
// split is purely lexical and never parses Lean. header+body concatenated
// equal code exactly; trailing whitespace in the header stays in the
// header. A header made up of nothing but blank lines (no directive ever
// appeared) is collapsed to "" per spec.md §4.1, with everything folded
// back into body instead — otherwise a leading blank line alone would
// specialize a worker to a whitespace-only header and prime it with an
// empty send.
func SplitHeader(code string) (header, body string) {
	lines := splitKeepEnds(code)

	cut := 0
	sawDirective := false
	for _, ln := range lines {
		if isHeaderLine(ln) {
			if strings.TrimSpace(ln) != "" {
				sawDirective = true
			}
			cut += len(ln)
			continue
		}
		break
	}

	if !sawDirective {
		return "", code
	}

	return code[:cut], code[cut:]
}

// splitKeepEnds splits s into lines, each retaining its trailing "\n" (the
// last line keeps whatever terminator it has, including none).
func splitKeepEnds(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func isHeaderLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if strings.TrimSpace(trimmed) == "" {
		return true
	}
	for _, d := range preambleDirectives {
		if strings.TrimRight(trimmed, " \t\r\n") == d || strings.HasPrefix(trimmed, d+" ") || strings.HasPrefix(trimmed, d+"\t") {
			return true
		}
	}
	return false
}
