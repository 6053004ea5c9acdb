package transport

import "strings"

// SDPDiagnostics summarizes the parts of a session description the control
// channel depends on.
type SDPDiagnostics struct {
	// HasApplicationMedia reports an m=application section.
	HasApplicationMedia bool

	// HasSCTP reports SCTP transport attributes (sctp-port or sctpmap).
	HasSCTP bool

	// HasBundle reports an a=group:BUNDLE grouping.
	HasBundle bool
}

// SupportsDataChannel reports whether the description negotiates a data
// channel at all.
func (d SDPDiagnostics) SupportsDataChannel() bool {
	return d.HasApplicationMedia && d.HasSCTP
}

// AnalyzeSDP scans a session description for data-channel support. An offer
// missing it means the channel was created after the offer (a programming
// error); an answer missing it means the remote declined and the session can
// only run audio-only.
func AnalyzeSDP(sdp string) SDPDiagnostics {
	var d SDPDiagnostics
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "m=application"):
			d.HasApplicationMedia = true
		case strings.HasPrefix(line, "a=sctp-port"), strings.HasPrefix(line, "a=sctpmap"):
			d.HasSCTP = true
		case strings.HasPrefix(line, "a=group:BUNDLE"):
			d.HasBundle = true
		}
	}
	return d
}
