package voice

import "strings"

// Normalize splits a result into the interim text (non-final segments joined
// in order) and the final text (final segments joined in order and trimmed).
func Normalize(r Result) (interim, final string) {
	var ib, fb strings.Builder
	for _, seg := range r.Segments {
		if seg.Final {
			fb.WriteString(seg.Transcript)
		} else {
			ib.WriteString(seg.Transcript)
		}
	}
	return ib.String(), strings.TrimSpace(fb.String())
}
