package symbolicate

import (
	"reflect"
	"testing"
)

type fakeLookup struct {
	token SourceMapToken
	ok    bool
}

func (f fakeLookup) Lookup(minifiedLine, minifiedCol int) (SourceMapToken, bool) {
	return f.token, f.ok
}

func TestProcessFrameRewritesPositionAndFunctionName(t *testing.T) {
	frame := &Frame{AbsPath: "https://app.example/bundle.js", Lineno: 5, Colno: 10}
	lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "webpack:///./src/app.js", SrcLine: 9, SrcCol: 3, Name: "renderWidget"}}

	ProcessFrame(frame, lookup, nil)

	if frame.Lineno != 10 || frame.Colno != 4 {
		t.Fatalf("expected 1-indexed src line/col, got line=%d col=%d", frame.Lineno, frame.Colno)
	}
	if frame.Function != "renderWidget" {
		t.Fatalf("expected function name to be rewritten from the token, got %q", frame.Function)
	}
	if frame.Filename != "webpack:///./src/app.js" {
		t.Fatalf("expected filename to be set from the token, got %q", frame.Filename)
	}
}

func TestProcessFrameSkipsFramesWithNoLineNumber(t *testing.T) {
	frame := &Frame{Lineno: 0}
	lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "app.js"}}

	ProcessFrame(frame, lookup, nil)

	if frame.Filename != "" {
		t.Fatalf("expected frame untouched when lineno is missing, got %+v", frame)
	}
}

func TestProcessFrameLeavesFrameUnchangedOnLookupMiss(t *testing.T) {
	frame := &Frame{Lineno: 3, Colno: 1, Filename: "original.js"}
	lookup := fakeLookup{ok: false}

	ProcessFrame(frame, lookup, nil)

	if frame.Filename != "original.js" {
		t.Fatalf("expected frame untouched on a lookup miss, got %+v", frame)
	}
}

// TestClassifyFrameWebpackFirstPartyVsVendored covers B3: webpack://
// paths under "./" are first-party (in_app=true); "~/" and
// node_modules-shaped webpack paths are vendored (in_app=false).
func TestClassifyFrameWebpackFirstPartyVsVendored(t *testing.T) {
	cases := []struct {
		name       string
		srcFile    string
		wantInApp  bool
		wantModule string
	}{
		{"first-party app code", "webpack:///./src/widgets/list.js", true, "src/widgets/list"},
		{"tilde-vendored code", "webpack:///~/lodash/index.js", false, "lodash/index"},
		{"node_modules under webpack", "webpack:///./node_modules/react/index.js", false, "node_modules/react/index"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := &Frame{Lineno: 1, Colno: 1}
			lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: tc.srcFile}}
			ProcessFrame(frame, lookup, nil)
			if frame.InApp != tc.wantInApp {
				t.Fatalf("%s: expected in_app=%v, got %v", tc.srcFile, tc.wantInApp, frame.InApp)
			}
			if frame.Module != tc.wantModule {
				t.Fatalf("%s: expected module %q, got %q", tc.srcFile, tc.wantModule, frame.Module)
			}
		})
	}
}

// TestClassifyFrameAppSchemeJudgedByNodeModules covers B3's app: branch:
// in_app is decided purely by a node_modules substring match on the
// app: URI itself.
func TestClassifyFrameAppSchemeJudgedByNodeModules(t *testing.T) {
	frame := &Frame{Lineno: 1, Colno: 1}
	lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "app:///node_modules/left-pad/index.js"}}
	ProcessFrame(frame, lookup, nil)
	if frame.InApp {
		t.Fatalf("expected an app: frame under node_modules to be classified as not in_app")
	}

	frame2 := &Frame{Lineno: 1, Colno: 1}
	lookup2 := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "app:///src/main.js"}}
	ProcessFrame(frame2, lookup2, nil)
	if !frame2.InApp {
		t.Fatalf("expected an app: frame outside node_modules to be classified as in_app")
	}
}

// TestClassifyFrameDefaultJudgedByAbsPathNodeModules covers the
// fallback branch: a plain filename defers to a node_modules substring
// check on the frame's absolute path.
func TestClassifyFrameDefaultJudgedByAbsPathNodeModules(t *testing.T) {
	frame := &Frame{AbsPath: "https://cdn.example/node_modules/jquery/jquery.js", Lineno: 1, Colno: 1}
	lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "jquery.js"}}
	ProcessFrame(frame, lookup, nil)
	if frame.InApp {
		t.Fatalf("expected a frame whose abs_path contains node_modules to be classified as not in_app")
	}
}

func TestSetContextLinesBoundedWindow(t *testing.T) {
	lines := []string{"l0", "l1", "l2", "l3", "l4", "l5", "l6", "l7", "l8", "l9"}
	frame := &Frame{Lineno: 1, Colno: 1}
	lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "app.js", SrcLine: 5}}

	ProcessFrame(frame, lookup, lines)

	if frame.ContextLine != "l5" {
		t.Fatalf("expected context line l5, got %q", frame.ContextLine)
	}
	if !reflect.DeepEqual(frame.PreContext, []string{"l0", "l1", "l2", "l3", "l4"}) {
		t.Fatalf("unexpected pre_context: %+v", frame.PreContext)
	}
	if !reflect.DeepEqual(frame.PostContext, []string{"l6", "l7", "l8", "l9"}) {
		t.Fatalf("unexpected post_context: %+v", frame.PostContext)
	}
}

func TestGenerateModuleStripsVersionPrefixAndExtension(t *testing.T) {
	frame := &Frame{Lineno: 1, Colno: 1}
	lookup := fakeLookup{ok: true, token: SourceMapToken{SrcFile: "app:///a1b2c3d/src/widget.js"}}
	ProcessFrame(frame, lookup, nil)
	if frame.Module != "src/widget" {
		t.Fatalf("expected version prefix and extension stripped, got %q", frame.Module)
	}
}
