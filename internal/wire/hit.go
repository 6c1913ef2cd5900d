// Package wire turns semantic hits into the compact transmission format:
// dictionary lookup, default omission, percent-encoding and the
// send-time queue-time and cache-buster suffixes.
package wire

// Hit is a persisted hit as handed to a transport.
type Hit struct {
	ID     int64  // store-assigned, increasing with insertion order
	Time   int64  // enqueue time, ms since epoch
	Path   string // destination URL
	Params string // encoded key=value&... string; empty if unreadable
}

// Wire renders the hit as it goes on the wire at time now.
// Returns "" for a hit whose params could not be read.
func (h Hit) Wire(now int64) string {
	if h.Params == "" {
		return ""
	}
	return PostProcess(h.Params, h.Time, h.ID, now)
}
