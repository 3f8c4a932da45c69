package models

// StreamEntry is the value half of a push message.
type StreamEntry struct {
	Result *float64 `json:"result"`
	Status Status   `json:"status"`
}

// StreamMessage is what push observers receive: a single-key map from operation to its
// outcome. Messages for sibling jobs arrive separately and in any order, so observers
// merge them into their own view.
type StreamMessage map[Operation]StreamEntry

// NewStreamMessage builds the push payload for a completed job.
func NewStreamMessage(j *Job) StreamMessage {
	return StreamMessage{
		j.Operation: {Result: j.Result, Status: j.Status},
	}
}

// ProgressView is an observer's merged picture of one submission: the latest known
// update per operation.
type ProgressView map[Operation]Update

// Terminal reports whether every operation in v has reached a terminal status.
func (v ProgressView) Terminal() bool {
	for _, u := range v {
		if !u.Status.Terminal() {
			return false
		}
	}
	return len(v) > 0
}
