package domain

// Outcome is the terminal result of one transfer attempt for one file.
// Exactly one of Err == nil (success) or Err != nil (failure) holds.
type Outcome struct {
	FileID   string
	Response any    // decoded response data, success only
	URL      string // resolved download URL, may be empty on success
	Err      error
	Raw      *RawResponse // transport response on failure, when there was one
}

func Success(fileID string, response any, url string) Outcome {
	return Outcome{FileID: fileID, Response: response, URL: url}
}

func Failure(fileID string, err error, raw *RawResponse) Outcome {
	return Outcome{FileID: fileID, Err: err, Raw: raw}
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// BatchResult holds one outcome per input identifier, in input order.
type BatchResult struct {
	outcomes []Outcome
	index    map[string]int
}

// NewBatchResult builds a result from outcomes already placed at their input
// positions.
func NewBatchResult(outcomes []Outcome) *BatchResult {
	r := &BatchResult{
		outcomes: outcomes,
		index:    make(map[string]int, len(outcomes)),
	}
	for i, o := range outcomes {
		if _, seen := r.index[o.FileID]; !seen {
			r.index[o.FileID] = i
		}
	}
	return r
}

// EmptyBatchResult is the settled result of an empty batch.
func EmptyBatchResult() *BatchResult {
	return NewBatchResult(nil)
}

func (r *BatchResult) Len() int {
	return len(r.outcomes)
}

// Get returns the outcome for fileID. When an identifier was passed more than
// once the first attempt's outcome is returned.
func (r *BatchResult) Get(fileID string) (Outcome, bool) {
	i, ok := r.index[fileID]
	if !ok {
		return Outcome{}, false
	}
	return r.outcomes[i], true
}

// Outcomes returns a copy of all outcomes in input order.
func (r *BatchResult) Outcomes() []Outcome {
	return append([]Outcome(nil), r.outcomes...)
}

func (r *BatchResult) Successful() []Outcome {
	var out []Outcome
	for _, o := range r.outcomes {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

func (r *BatchResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// FailedIDs lists the identifiers to hand to RetryAll.
func (r *BatchResult) FailedIDs() []string {
	var ids []string
	for _, o := range r.Failed() {
		ids = append(ids, o.FileID)
	}
	return ids
}
