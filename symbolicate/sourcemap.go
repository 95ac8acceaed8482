package symbolicate

import "github.com/go-sourcemap/sourcemap"

// consumerLookup adapts *sourcemap.Consumer to the SourceMapLookup
// interface ProcessFrame uses, keeping the parsing library isolated
// from the frame-classification logic above.
type consumerLookup struct {
	consumer *sourcemap.Consumer
}

// NewConsumerLookup parses raw source map JSON and returns a
// SourceMapLookup backed by it.
func NewConsumerLookup(raw []byte) (SourceMapLookup, error) {
	c, err := sourcemap.Parse("", raw)
	if err != nil {
		return nil, err
	}
	return &consumerLookup{consumer: c}, nil
}

func (c *consumerLookup) Lookup(minifiedLine, minifiedCol int) (SourceMapToken, bool) {
	file, fn, line, col, ok := c.consumer.Source(minifiedLine, minifiedCol)
	if !ok {
		return SourceMapToken{}, false
	}
	return SourceMapToken{SrcFile: file, SrcLine: line, SrcCol: col, Name: fn}, true
}
