package worker

import (
	"encoding/json"
	"io"
	"sync"
)

// Report is one JSON line a worker writes to standard output.
type Report struct {
	Progress *int    `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
	Result   *string `json:"result,omitempty"`
	Error    *string `json:"error,omitempty"`
}

// ParseReport decodes a single stdout line. Lines that are not a report
// (blank, plain text, malformed JSON) return ok=false.
func ParseReport(line string) (Report, bool) {
	var r Report
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Report{}, false
	}
	if r.Progress == nil && r.Result == nil && r.Error == nil {
		return Report{}, false
	}
	return r, true
}

// Reporter writes reports from inside a worker process.
type Reporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{enc: json.NewEncoder(w)}
}

func (r *Reporter) write(rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(rep)
}

// Progress reports percent complete with an optional message.
func (r *Reporter) Progress(pct int, msg string) error {
	return r.write(Report{Progress: &pct, Message: msg})
}

// Result reports the job's summary.
func (r *Reporter) Result(summary string) error {
	return r.write(Report{Result: &summary})
}

// Fail reports the job's failure.
func (r *Reporter) Fail(msg string) error {
	return r.write(Report{Error: &msg})
}
