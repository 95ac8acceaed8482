// Package symbolicate rewrites JavaScript/Node stack frames against a
// source map: resolving minified line/column back to original
// source, extracting context lines, and deciding in_app/module for
// each frame.
//
// Grounded in GlitchTip's
// apps/event_ingest/javascript_event_processor.py.
package symbolicate

import (
	"regexp"
	"strings"
)

var versionRe = regexp.MustCompile(`^[a-f0-9]{7,40}/`)
var nodeModulesRe = regexp.MustCompile(`/node_modules/`)

const unknownModule = "<unknown module>"

// SourceMapToken is one resolved mapping entry: the original source
// file/line/col/name for a minified position.
type SourceMapToken struct {
	SrcFile string
	SrcLine int // 0-indexed
	SrcCol  int // 0-indexed
	Name    string
}

// SourceMapLookup resolves a (line, col) position in a minified bundle
// to its original source token. Implementations wrap a parsed source
// map (e.g. go-sourcemap/sourcemap); Lookup returns ok=false when the
// position has no mapping.
type SourceMapLookup interface {
	Lookup(minifiedLine, minifiedCol int) (SourceMapToken, bool)
}

// Frame is the subset of a stack frame symbolication rewrites.
type Frame struct {
	AbsPath     string
	Filename    string
	Function    string
	Lineno      int
	Colno       int
	ContextLine string
	PreContext  []string
	PostContext []string
	InApp       bool
	Module      string
}

// ProcessFrame rewrites frame in place using the resolved token and
// the minified source's lines (for context extraction), mirroring
// JavascriptEventProcessor.process_frame frame by frame.
func ProcessFrame(frame *Frame, lookup SourceMapLookup, minifiedSourceLines []string) {
	if frame.Lineno <= 0 {
		return
	}
	token, ok := lookup.Lookup(frame.Lineno-1, frame.Colno-1)
	if !ok {
		return
	}

	frame.Lineno = token.SrcLine + 1
	frame.Colno = token.SrcCol + 1
	if token.Name != "" {
		frame.Function = token.Name
	}

	filename := token.SrcFile
	frame.Filename = filename
	frame.InApp, frame.Module = classifyFrame(filename, frame.AbsPath)

	setContextLines(frame, minifiedSourceLines, token.SrcLine)
}

// classifyFrame applies the exact in_app/module heuristic from
// process_frame: webpack:// paths are stripped and judged by whether
// they look like first-party (./...) or vendored (~/... or
// node_modules) code; app: URIs are judged purely by a node_modules
// path match; everything else defers to a node_modules substring
// check on the absolute path.
func classifyFrame(filename, absPath string) (inApp bool, module string) {
	switch {
	case strings.HasPrefix(filename, "webpack:"):
		stripped := stripWebpackPrefix(filename)
		switch {
		case strings.HasPrefix(stripped, "~/") || nodeModulesRe.MatchString(stripped) || !strings.HasPrefix(stripped, "./"):
			return false, generateModule(stripped)
		case strings.HasPrefix(stripped, "./"):
			return true, generateModule(stripped)
		default:
			return false, generateModule(stripped)
		}
	case strings.HasPrefix(filename, "app:"):
		return !nodeModulesRe.MatchString(filename), generateModule(filename)
	case nodeModulesRe.MatchString(absPath):
		return false, generateModule(filename)
	default:
		return !nodeModulesRe.MatchString(absPath), generateModule(filename)
	}
}

// stripWebpackPrefix strips "webpack:///" or re-prefixes "~/" for the
// "webpack:///~/" shape, matching the original's two-branch handling.
func stripWebpackPrefix(filename string) string {
	const triple = "webpack:///"
	const tilde = "webpack:///~/"
	if strings.HasPrefix(filename, tilde) {
		return "~/" + strings.TrimPrefix(filename, tilde)
	}
	if strings.HasPrefix(filename, triple) {
		return strings.TrimPrefix(filename, triple)
	}
	return strings.TrimPrefix(filename, "webpack:")
}

// generateModule derives a short module name from a source path: drop
// querystring, scheme and host, extension, ".min" suffix, and any
// leading version/sha-like path segment.
func generateModule(src string) string {
	if src == "" {
		return unknownModule
	}
	if idx := strings.IndexAny(src, "?#"); idx >= 0 {
		src = src[:idx]
	}
	if idx := strings.Index(src, "://"); idx >= 0 {
		src = src[idx+3:]
		if slash := strings.Index(src, "/"); slash >= 0 {
			src = src[slash+1:]
		}
	}
	if idx := strings.LastIndex(src, "."); idx > strings.LastIndex(src, "/") {
		src = src[:idx]
	}
	src = strings.TrimSuffix(src, ".min")
	src = strings.TrimPrefix(src, "./")
	src = strings.TrimPrefix(src, "~/")
	src = versionRe.ReplaceAllString(src, "")
	if src == "" {
		return unknownModule
	}
	return src
}

const contextLines = 5

func setContextLines(frame *Frame, lines []string, srcLine int) {
	if srcLine < 0 || srcLine >= len(lines) {
		return
	}
	frame.ContextLine = lines[srcLine]

	start := srcLine - contextLines
	if start < 0 {
		start = 0
	}
	frame.PreContext = append([]string(nil), lines[start:srcLine]...)

	end := srcLine + 1 + contextLines
	if end > len(lines) {
		end = len(lines)
	}
	frame.PostContext = append([]string(nil), lines[srcLine+1:end]...)
}
