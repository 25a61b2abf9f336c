package ai

import "strings"

// EndMarker is appended by the patient model when it judges the encounter over.
const EndMarker = "[[END_ENCOUNTER]]"

// markerFilter strips EndMarker from a chunked stream. A partial marker at the
// end of a chunk is held back until the next chunk decides it.
type markerFilter struct {
	marker  string
	pending string
	seen    bool
}

func newMarkerFilter() *markerFilter {
	return &markerFilter{marker: EndMarker}
}

// Push feeds a chunk and returns the text that is safe to forward.
func (f *markerFilter) Push(chunk string) string {
	buf := f.pending + chunk
	for {
		idx := strings.Index(buf, f.marker)
		if idx < 0 {
			break
		}
		f.seen = true
		buf = buf[:idx] + buf[idx+len(f.marker):]
	}

	hold := partialSuffix(buf, f.marker)
	f.pending = buf[len(buf)-hold:]
	return buf[:len(buf)-hold]
}

// Flush returns whatever was held back; an incomplete marker is plain text.
func (f *markerFilter) Flush() string {
	out := f.pending
	f.pending = ""
	return out
}

// Seen reports whether the marker appeared anywhere in the stream.
func (f *markerFilter) Seen() bool {
	return f.seen
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of marker.
func partialSuffix(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
