package symbolicate

import "context"

// BundleFiles are the raw bytes backing a DebugSymbolBundle: the
// minified source and the source map that resolves it. Fetching bytes
// for a bundle id is a storage-layer concern that spec.md places
// outside this backend's scope (release and file upload CRUD are
// explicitly an external collaborator); BundleStore is the seam a
// deployment wires to whatever blob store holds uploaded artifacts.
type BundleFiles struct {
	Minified  []byte
	SourceMap []byte
}

// BundleStore resolves a DebugSymbolBundle id to its file contents.
type BundleStore interface {
	Fetch(ctx context.Context, bundleID int64) (BundleFiles, error)
}
