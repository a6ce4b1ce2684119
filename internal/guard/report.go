// CLAUDE:SUMMARY Probe report types and tolerant payload decoding.
package guard

import "encoding/json"

// Report ops.
const (
	OpRemoved = "removed" // a blocked script element was removed
	OpArmed   = "armed"   // the probe finished installing in a document
)

// Report phases for OpRemoved.
const (
	PhaseSweep   = "sweep"   // removed during the initial or sync sweep
	PhaseObserve = "observe" // removed by the MutationObserver
)

// Report is one probe event.
type Report struct {
	Op    string `json:"op"`
	URL   string `json:"url"`
	Phase string `json:"phase"`
}

// DecodeReports parses a probe payload. Records that fail to parse are
// skipped so one bad entry cannot drop a batch.
func DecodeReports(payload []byte) []Report {
	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil
	}

	out := make([]Report, 0, len(raws))
	for _, raw := range raws {
		var rep Report
		if err := json.Unmarshal(raw, &rep); err != nil {
			continue
		}
		if rep.Op == "" {
			continue
		}
		out = append(out, rep)
	}
	return out
}
