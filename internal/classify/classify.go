// Package classify turns one raw log line into a severity/error verdict,
// mirroring the decision table a human on-call engineer would apply when
// scanning a tail -f.
package classify

import (
	"regexp"
	"strings"

	"github.com/errly-io/errly/pkg/models"
)

// Result is the outcome of classifying a single log line.
type Result struct {
	IsError  bool
	Severity models.Severity
	Message  string
	Endpoint *string
	Language string
}

var (
	reStructuredInfo = regexp.MustCompile(`(?i)(level=(info|debug|trace)\b|"level"\s*:\s*"(info|debug|trace)")`)
	reStructuredErr  = regexp.MustCompile(`(?i)(level=(error|fatal|critical)\b|"level"\s*:\s*"(error|fatal|critical)")`)

	reBracketTag = regexp.MustCompile(`\[(ERROR|FATAL|CRITICAL)\]`)
	reColonTag   = regexp.MustCompile(`(?i)\b(ERROR|FATAL|CRITICAL):`)
	reWarnTag    = regexp.MustCompile(`(?i)(\[WARN\]|WARNING:)`)

	reUncaught = regexp.MustCompile(`\b(TypeError|ReferenceError|SyntaxError|RangeError|Unhandled\w*|unhandledRejection)\b`)
	reHTTP5xx  = regexp.MustCompile(`\b5\d{2}\b`)
	reHTTP4xx  = regexp.MustCompile(`\b4\d{2}\b`)
	reExitCode = regexp.MustCompile(`(?i)exit(ed)?\s+(with\s+)?code\s+[1-9]\d*`)

	rePyTraceback = regexp.MustCompile(`^Traceback \(most recent call last\):`)
	rePyFile      = regexp.MustCompile(`^\s+File "`)
	rePyErrLine   = regexp.MustCompile(`\w+(Error|Exception):`)

	reJavaExcThread = regexp.MustCompile(`Exception in thread`)
	reJavaCausedBy  = regexp.MustCompile(`Caused by:`)
	reJavaAt        = regexp.MustCompile(`^\s+at\s+`)
	reJavaMore      = regexp.MustCompile(`^\s*\.\.\.\s+\d+\s+more`)

	reGoPanic     = regexp.MustCompile(`^panic:`)
	reGoGoroutine = regexp.MustCompile(`^goroutine\s+\d+`)
	reGoFileLine  = regexp.MustCompile(`\.go:\d+`)

	reRubyFrom = regexp.MustCompile(`^\s*from\s+\S+\.rb`)
	reRubyExc  = regexp.MustCompile(`\b[A-Z]\w*(Error|Exception)\b`)

	reRustPanicked = regexp.MustCompile(`thread '.*' panicked`)
	reRustBacktrace = regexp.MustCompile(`^stack backtrace:`)
	reRustFrameAt  = regexp.MustCompile(`^\s+at src/`)
	reRustFrameNum = regexp.MustCompile(`^\s+\d+:`)

	rePHPFatal = regexp.MustCompile(`(?i)(Fatal error:|PHP Fatal)`)
	rePHPFrame = regexp.MustCompile(`^\s*#\d+\s+`)

	reDotNetExc     = regexp.MustCompile(`System\.\w*Exception`)
	reDotNetUnhandl = regexp.MustCompile(`Unhandled exception`)
	reDotNetAt      = regexp.MustCompile(`^\s*at\s+[\w.]+\.[\w.]+\(`)
	reDotNetEnd     = regexp.MustCompile(`^--- End of `)

	reInfra = regexp.MustCompile(`(?i)(ECONNREFUSED|ETIMEDOUT|connection refused|pool exhausted|FATAL:\s*too many connections|NOAUTH)`)

	reDeprecation = regexp.MustCompile(`(?i)(deprecat(ed|ion)|slow query)`)

	reFatalSignal = regexp.MustCompile(`(?i)\b(SIGTERM|SIGSEGV|SIGABRT|OOM|out of memory|killed)\b`)

	reCauseMarker = regexp.MustCompile(`(?i)(\[cause\]:|Caused by:)`)

	reTraceStart = regexp.MustCompile(`(?i)^(panic:|goroutine\s+\d+|Traceback \(most recent call last\):|thread '.*' panicked|stack backtrace:|Fatal error:|PHP Fatal|Unhandled exception)`)

	reLeadingTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}`)
	reBracketPrefix     = regexp.MustCompile(`^\[[^\]]*\]`)

	reQuotedMethodPathStatus5xx = regexp.MustCompile(`"(\w+)\s+(/\S*)"\s+5\d{2}`)
	reQuotedMethodPathStatus4xx = regexp.MustCompile(`"(\w+)\s+(/\S*)"\s+4\d{2}`)
	reMethodEqPathEqStatus      = regexp.MustCompile(`method=(\w+)\s+path=(/\S*)\s+status=[45]\d{2}`)
	reMethodPathFailed          = regexp.MustCompile(`(\w+)\s+(/\S*)\s+failed`)
	reQuotedMethodPath          = regexp.MustCompile(`"(\w+)\s+(/\S*)"`)
)

// Classify applies the decision table described in the component design:
// structured info/debug/trace markers always win first (never an error);
// otherwise look for trace starts, explicit tags, uncaught exceptions,
// 5xx, exit codes, language-specific patterns, and infra errors; 4xx and
// deprecation/warn markers classify as warn.
func Classify(line string) Result {
	if reStructuredInfo.MatchString(line) {
		return Result{IsError: false}
	}

	isError, severity := matchSeverity(line)
	if !isError {
		return Result{IsError: false}
	}

	return Result{
		IsError:  true,
		Severity: severity,
		Message:  line,
		Endpoint: extractEndpoint(line),
		Language: inferLanguage(line),
	}
}

// HasStructuredNonErrorLevel reports whether line carries an explicit
// structured info/debug/trace level marker, the one case the log watcher
// treats as contradicting a platform-reported error-ish line severity.
func HasStructuredNonErrorLevel(line string) bool {
	return reStructuredInfo.MatchString(line)
}

// matchSeverity decides whether a line is an error and, if so, its
// severity. Fatal patterns take precedence over plain error patterns,
// which take precedence over warn patterns.
func matchSeverity(line string) (bool, models.Severity) {
	fatal := reFatalSignal.MatchString(line) ||
		containsFold(line, "[FATAL]") ||
		containsFold(line, "FATAL:") ||
		containsFold(line, "[CRITICAL]") ||
		reStructuredErr.MatchString(line) && (containsFold(line, "fatal") || containsFold(line, "critical"))

	isErr := fatal ||
		reColonTag.MatchString(line) ||
		reBracketTag.MatchString(line) ||
		reStructuredErr.MatchString(line) ||
		reUncaught.MatchString(line) ||
		reHTTP5xx.MatchString(line) ||
		reExitCode.MatchString(line) ||
		rePyTraceback.MatchString(line) || rePyFile.MatchString(line) || rePyErrLine.MatchString(line) ||
		reJavaExcThread.MatchString(line) || reJavaCausedBy.MatchString(line) ||
		reGoPanic.MatchString(line) || reGoGoroutine.MatchString(line) ||
		reRubyExc.MatchString(line) ||
		reRustPanicked.MatchString(line) ||
		rePHPFrame.MatchString(line) ||
		reDotNetExc.MatchString(line) ||
		reInfra.MatchString(line)

	if isErr {
		if fatal {
			return true, models.SeverityFatal
		}
		return true, models.SeverityError
	}

	warn := reHTTP4xx.MatchString(line) ||
		reDeprecation.MatchString(line) ||
		reWarnTag.MatchString(line)
	if warn {
		return true, models.SeverityWarn
	}

	return false, ""
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// extractEndpoint tries each pattern in order and returns "METHOD /path" or nil.
func extractEndpoint(line string) *string {
	patterns := []*regexp.Regexp{
		reQuotedMethodPathStatus5xx,
		reQuotedMethodPathStatus4xx,
		reMethodEqPathEqStatus,
		reMethodPathFailed,
		reQuotedMethodPath,
	}
	for _, re := range patterns {
		if m := re.FindStringSubmatch(line); len(m) == 3 {
			ep := m[1] + " " + m[2]
			return &ep
		}
	}
	return nil
}

// inferLanguage guesses the source language of a (possibly multi-line)
// trace-start line, used to pick the right continuation rule in the
// assembler.
func inferLanguage(line string) string {
	switch {
	case reJavaAt.MatchString(line):
		if strings.Contains(line, ".java:") || strings.Contains(line, ".kt:") {
			return "java"
		}
		if strings.Contains(line, "System.") {
			return "dotnet"
		}
		return "node"
	case rePyTraceback.MatchString(line), rePyFile.MatchString(line):
		return "python"
	case reGoGoroutine.MatchString(line), reGoPanic.MatchString(line), reGoFileLine.MatchString(line):
		return "go"
	case reJavaCausedBy.MatchString(line), reJavaExcThread.MatchString(line):
		return "java"
	case reRubyFrom.MatchString(line):
		return "ruby"
	case reRustPanicked.MatchString(line), reRustBacktrace.MatchString(line):
		return "rust"
	case rePHPFatal.MatchString(line), rePHPFrame.MatchString(line):
		return "php"
	case reDotNetExc.MatchString(line), reDotNetUnhandl.MatchString(line):
		return "dotnet"
	default:
		return ""
	}
}

// IsTraceStart reports whether line begins a multi-line trace per the
// assembler's IDLE->COLLECTING transition rule.
func IsTraceStart(line string) bool {
	return reTraceStart.MatchString(line) || reUncaught.MatchString(line)
}

// IsContinuation reports whether line continues a trace started in the
// given inferred language.
func IsContinuation(line, language string) bool {
	if reCauseMarker.MatchString(line) {
		return true
	}
	switch language {
	case "node", "dotnet":
		if reJavaAt.MatchString(line) || reDotNetAt.MatchString(line) || reDotNetEnd.MatchString(line) {
			return true
		}
	case "python":
		if rePyFile.MatchString(line) || rePyErrLine.MatchString(line) || isIndented(line) {
			return true
		}
	case "go":
		if isIndented(line) || reGoGoroutine.MatchString(line) || strings.HasPrefix(line, "\t") || reGoFileLine.MatchString(line) {
			return true
		}
	case "java":
		if reJavaAt.MatchString(line) || reJavaCausedBy.MatchString(line) || reJavaMore.MatchString(line) {
			return true
		}
	case "ruby":
		if reRubyFrom.MatchString(line) {
			return true
		}
	case "rust":
		if reRustFrameAt.MatchString(line) || reRustFrameNum.MatchString(line) {
			return true
		}
	case "php":
		if rePHPFrame.MatchString(line) {
			return true
		}
	}
	return isGenericContinuation(line)
}

// isGenericContinuation accepts any line indented by 2+ spaces unless it
// looks like the start of a fresh structured log line.
func isGenericContinuation(line string) bool {
	if !isIndented(line) {
		return false
	}
	if reLeadingTimestamp.MatchString(strings.TrimLeft(line, " \t")) {
		return false
	}
	if reBracketPrefix.MatchString(strings.TrimLeft(line, " \t")) {
		return false
	}
	return true
}

func isIndented(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	return len(line)-len(trimmed) >= 2 || strings.HasPrefix(line, "\t")
}
