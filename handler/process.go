package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/glitchtip/ingest/auth"
	"github.com/glitchtip/ingest/grouping"
	"github.com/glitchtip/ingest/normalize"
	"github.com/glitchtip/ingest/symbolicate"
	"github.com/glitchtip/ingest/wire"
)

// symbolicatablePlatforms are the platforms process_event.py resolves
// against a DebugSymbolBundle rather than the raw SDK-reported frame.
var symbolicatablePlatforms = map[string]bool{
	"javascript": true,
	"node":       true,
}

// buildProcessedEvent runs an already-decoded event through
// normalization, symbolication, and search-vector construction,
// producing the ProcessedEvent the grouping engine and bulk persister
// consume. Grounded in process_event.py's process_issue_events, which
// runs the equivalent chain synchronously within a single Celery task.
func (h *IngestHandler) buildProcessedEvent(ctx context.Context, pa *auth.ProjectAuth, ev *wire.Event, userAgent string) *grouping.ProcessedEvent {
	eventType := normalize.EventType(ev)

	var releaseID *int64
	if ev.Release != "" {
		if id, err := h.store.GetOrCreateRelease(ctx, pa.OrganizationID, ev.Release); err != nil {
			h.logger.Warn().Err(err).Str("release", ev.Release).Msg("failed to resolve release")
		} else {
			releaseID = &id
		}
	}

	if symbolicatablePlatforms[ev.Platform] {
		h.symbolicateEvent(ctx, pa.OrganizationID, releaseID, ev)
	}

	title, culprit := normalize.DeriveTitleCulprit(ev, eventType)

	headers := normalize.NormalizeHeaders(requestHeadersRaw(ev))
	ua := normalize.UserAgentFromHeaders(headers)
	if ua == "" {
		ua = userAgent
	}
	parsedUA := normalize.GenerateContexts(ev, ua)
	tags := normalize.DeriveTags(ev, parsedUA)

	sv := grouping.BuildSearchVector(grouping.SearchVectorInput{
		Title:       title,
		Transaction: ev.Transaction,
		RequestURL:  requestURL(ev),
		Stacktraces: stacktraceFilenames(ev),
	})

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("failed to marshal event data")
	}

	return &grouping.ProcessedEvent{
		EventID:        ev.EventID,
		ProjectID:      pa.ProjectID,
		OrganizationID: pa.OrganizationID,
		Title:          title,
		Culprit:        culprit,
		Type:           eventType,
		Level:          normalize.DefaultLevel(ev.Level, eventType),
		Transaction:    ev.Transaction,
		Metadata:       buildMetadata(ev, eventType, title),
		Fingerprint:    ev.Fingerprint,
		Timestamp:      ev.Timestamp,
		ReceivedAt:     time.Now().UTC(),
		SearchVector:   sv,
		Tags:           tags,
		Data:           data,
		ReleaseID:      releaseID,
	}
}

// cspProcessedEvent builds the synthetic ProcessedEvent a CSP report
// resolves to: no stacktrace, no message, just the derived title and
// effective directive as culprit, grounded in process_event.py's CSP
// branch.
func cspProcessedEvent(pa *auth.ProjectAuth, eventID string, report *wire.CSPReport, receivedAt time.Time) *grouping.ProcessedEvent {
	title, culprit := normalize.DeriveCSP(report)
	data, _ := json.Marshal(report)
	return &grouping.ProcessedEvent{
		EventID:        eventID,
		ProjectID:      pa.ProjectID,
		OrganizationID: pa.OrganizationID,
		Title:          title,
		Culprit:        culprit,
		Type:           normalize.TypeCSP,
		Level:          "info",
		Metadata:       map[string]interface{}{"title": title},
		Timestamp:      receivedAt,
		ReceivedAt:     receivedAt,
		SearchVector:   grouping.BuildSearchVector(grouping.SearchVectorInput{Title: title}),
		Tags:           map[string]string{},
		Data:           data,
	}
}

func buildMetadata(ev *wire.Event, eventType, title string) map[string]interface{} {
	if eventType == normalize.TypeError && len(ev.Exceptions) > 0 {
		exc := ev.Exceptions[len(ev.Exceptions)-1]
		return map[string]interface{}{"type": exc.Type, "value": exc.Value}
	}
	return map[string]interface{}{"title": title}
}

func requestURL(ev *wire.Event) string {
	if ev.Request == nil {
		return ""
	}
	return ev.Request.URL
}

func requestHeadersRaw(ev *wire.Event) []byte {
	if ev.Request == nil {
		return nil
	}
	return ev.Request.Headers
}

// stacktraceFilenames extracts one ordered filename list per exception
// stacktrace, outermost frame first, the shape BuildSearchVector wants.
func stacktraceFilenames(ev *wire.Event) [][]string {
	out := make([][]string, 0, len(ev.Exceptions))
	for _, exc := range ev.Exceptions {
		if exc.Stacktrace == nil || len(exc.Stacktrace.Frames) == 0 {
			continue
		}
		frames := make([]string, 0, len(exc.Stacktrace.Frames))
		for _, f := range exc.Stacktrace.Frames {
			name := f.Filename
			if name == "" {
				name = f.AbsPath
			}
			frames = append(frames, name)
		}
		out = append(out, frames)
	}
	return out
}

// symbolicateEvent resolves each exception's stacktrace frames against
// a matching DebugSymbolBundle, mutating frames in place. Best-effort:
// a bundle lookup or fetch failure leaves the affected frames
// unsymbolicated rather than failing the event, matching
// process_event.py's per-frame try/except around process_frame.
func (h *IngestHandler) symbolicateEvent(ctx context.Context, organizationID int64, releaseID *int64, ev *wire.Event) {
	if h.bundles == nil || len(ev.Exceptions) == 0 {
		return
	}

	filenames, debugIDs := candidateKeys(ev)
	if len(filenames) == 0 && len(debugIDs) == 0 {
		return
	}

	var releaseIDValue int64
	if releaseID != nil {
		releaseIDValue = *releaseID
	}
	candidates, err := h.store.FindDebugSymbolBundles(ctx, organizationID, releaseIDValue, filenames, debugIDs)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to find debug symbol bundles")
		return
	}
	if len(candidates) == 0 {
		return
	}

	byFilename := make(map[string]int64, len(candidates))
	byDebugID := make(map[string]int64, len(candidates))
	for _, c := range candidates {
		if c.Filename != "" {
			byFilename[c.Filename] = c.ID
		}
		if c.DebugID != "" {
			byDebugID[c.DebugID] = c.ID
		}
	}

	lookups := make(map[int64]symbolicate.SourceMapLookup)
	sourceLines := make(map[int64][]string)

	resolve := func(bundleID int64) (symbolicate.SourceMapLookup, []string, bool) {
		if lookup, ok := lookups[bundleID]; ok {
			return lookup, sourceLines[bundleID], true
		}
		files, ferr := h.bundles.Fetch(ctx, bundleID)
		if ferr != nil {
			h.logger.Warn().Err(ferr).Int64("bundle_id", bundleID).Msg("failed to fetch debug symbol bundle")
			return nil, nil, false
		}
		lookup, perr := symbolicate.NewConsumerLookup(files.SourceMap)
		if perr != nil {
			h.logger.Warn().Err(perr).Int64("bundle_id", bundleID).Msg("failed to parse source map")
			return nil, nil, false
		}
		lines := strings.Split(string(files.Minified), "\n")
		lookups[bundleID] = lookup
		sourceLines[bundleID] = lines
		return lookup, lines, true
	}

	for i := range ev.Exceptions {
		stack := ev.Exceptions[i].Stacktrace
		if stack == nil {
			continue
		}
		rawCopied := false
		for j := range stack.Frames {
			frame := &stack.Frames[j]
			if frame.Lineno == nil {
				continue
			}
			bundleID, ok := byFilename[frame.Filename]
			if !ok {
				bundleID, ok = byDebugID[debugIDForFrame(ev)]
			}
			if !ok {
				continue
			}
			lookup, lines, ok := resolve(bundleID)
			if !ok {
				continue
			}
			if !rawCopied {
				// Deep-copy the untransformed stacktrace onto the owning
				// exception before the first mutating frame rewrite, so
				// the original minified trace is still retrievable.
				ev.Exceptions[i].RawStacktrace = deepCopyStacktrace(stack)
				rawCopied = true
			}
			symFrame := toSymbolicateFrame(*frame)
			symbolicate.ProcessFrame(&symFrame, lookup, lines)
			fromSymbolicateFrame(frame, symFrame)
		}
	}
}

func candidateKeys(ev *wire.Event) (filenames, debugIDs []string) {
	seenFiles := make(map[string]struct{})
	for _, exc := range ev.Exceptions {
		if exc.Stacktrace == nil {
			continue
		}
		for _, f := range exc.Stacktrace.Frames {
			if f.Filename == "" {
				continue
			}
			if _, ok := seenFiles[f.Filename]; ok {
				continue
			}
			seenFiles[f.Filename] = struct{}{}
			filenames = append(filenames, f.Filename)
		}
	}
	seenIDs := make(map[string]struct{})
	for _, img := range ev.DebugImages {
		if img.DebugID == "" {
			continue
		}
		if _, ok := seenIDs[img.DebugID]; ok {
			continue
		}
		seenIDs[img.DebugID] = struct{}{}
		debugIDs = append(debugIDs, img.DebugID)
	}
	return filenames, debugIDs
}

// deepCopyStacktrace clones a stacktrace and its frame slices so later
// in-place symbolication rewrites never retroactively alter the copy
// stashed as raw_stacktrace.
func deepCopyStacktrace(s *wire.Stacktrace) *wire.Stacktrace {
	frames := make([]wire.StackFrame, len(s.Frames))
	for i, f := range s.Frames {
		frames[i] = f
		if f.Lineno != nil {
			ln := *f.Lineno
			frames[i].Lineno = &ln
		}
		if f.Colno != nil {
			cn := *f.Colno
			frames[i].Colno = &cn
		}
		if f.InApp != nil {
			ia := *f.InApp
			frames[i].InApp = &ia
		}
		frames[i].PreContext = append([]string(nil), f.PreContext...)
		frames[i].PostContext = append([]string(nil), f.PostContext...)
	}
	return &wire.Stacktrace{Frames: frames}
}

func debugIDForFrame(ev *wire.Event) string {
	if len(ev.DebugImages) == 0 {
		return ""
	}
	return ev.DebugImages[0].DebugID
}

func toSymbolicateFrame(f wire.StackFrame) symbolicate.Frame {
	out := symbolicate.Frame{
		AbsPath:     f.AbsPath,
		Filename:    f.Filename,
		Function:    f.Function,
		ContextLine: f.ContextLine,
		PreContext:  f.PreContext,
		PostContext: f.PostContext,
		Module:      f.Module,
	}
	if f.Lineno != nil {
		out.Lineno = *f.Lineno
	}
	if f.Colno != nil {
		out.Colno = *f.Colno
	}
	if f.InApp != nil {
		out.InApp = *f.InApp
	}
	return out
}

func fromSymbolicateFrame(dst *wire.StackFrame, src symbolicate.Frame) {
	dst.Filename = src.Filename
	dst.Function = src.Function
	dst.Module = src.Module
	dst.ContextLine = src.ContextLine
	dst.PreContext = src.PreContext
	dst.PostContext = src.PostContext
	lineno := src.Lineno
	dst.Lineno = &lineno
	colno := src.Colno
	dst.Colno = &colno
	inApp := src.InApp
	dst.InApp = &inApp
}
