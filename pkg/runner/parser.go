package runner

import (
	"bufio"
	"regexp"
	"strings"
)

// FailureParser turns harness output into {testName: errorText}
type FailureParser interface {
	Parse(result ExecResult) map[string]string
}

// ParserFunc adapts a function to FailureParser
type ParserFunc func(result ExecResult) map[string]string

// Parse calls f
func (f ParserFunc) Parse(result ExecResult) map[string]string {
	return f(result)
}

// SuiteFailure is the item name used when a failing run names no test
const SuiteFailure = "suite"

var (
	goRunLine    = regexp.MustCompile(`^=== (RUN|CONT|NAME)\s+(\S+)`)
	goPauseLine  = regexp.MustCompile(`^=== PAUSE\s`)
	goResultLine = regexp.MustCompile(`^\s*--- (PASS|FAIL|SKIP): (\S+)`)
	goSummary    = regexp.MustCompile(`^(PASS|FAIL|ok)(\s|$)`)
)

// GoTestParser understands `go test -v` output. Lines are attributed to the
// test last announced by a === RUN or === CONT marker, or to the test whose
// --- FAIL line they follow.
type GoTestParser struct{}

// Parse implements FailureParser
func (GoTestParser) Parse(result ExecResult) map[string]string {
	failures := make(map[string]string)
	if !result.Failed() {
		return failures
	}

	output := make(map[string][]string)
	var failed []string
	current := ""

	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := goRunLine.FindStringSubmatch(line); m != nil {
			current = m[2]
			continue
		}
		if goPauseLine.MatchString(line) || goSummary.MatchString(line) {
			current = ""
			continue
		}
		if m := goResultLine.FindStringSubmatch(line); m != nil {
			current = m[2]
			if m[1] == "FAIL" {
				failed = append(failed, m[2])
			}
			continue
		}
		if current != "" {
			if text := strings.TrimSpace(line); text != "" {
				output[current] = append(output[current], text)
			}
		}
	}

	for _, name := range failed {
		failures[name] = strings.Join(output[name], "\n")
	}

	if len(failures) == 0 {
		text := strings.TrimSpace(result.Stderr)
		if text == "" {
			text = strings.TrimSpace(result.Stdout)
		}
		failures[SuiteFailure] = text
	}
	return failures
}

// GoTestRunArgs builds the arguments that re-run a single go test by name
func GoTestRunArgs(name string) []string {
	if name == SuiteFailure {
		return nil
	}
	parts := strings.Split(name, "/")
	for i, part := range parts {
		parts[i] = "^" + regexp.QuoteMeta(part) + "$"
	}
	return []string{"-run", strings.Join(parts, "/")}
}
