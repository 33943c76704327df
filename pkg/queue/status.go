package queue

// Status is a point-in-time snapshot of one queue, shaped for the status
// endpoint consumed by dashboards.
type Status struct {
	Queue       string       `json:"queue"`
	Busy        bool         `json:"busy"`
	QueueLength int          `json:"queueLength"`
	Current     *CurrentItem `json:"current,omitempty"`
	Queued      []QueuedItem `json:"queued"`
}

// CurrentItem describes the task executing right now.
type CurrentItem struct {
	Key        string `json:"key"`
	Preview    string `json:"preview"`
	DurationMs int64  `json:"durationMs"`
}

// QueuedItem describes one waiting task.
type QueuedItem struct {
	Position  int    `json:"position"`
	Key       string `json:"key"`
	Preview   string `json:"preview"`
	WaitingMs int64  `json:"waitingMs"`
}

// Status reports the lane's busy flag, depth, current item age, and the
// waiting items in order.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	st := Status{
		Queue:       q.name,
		Busy:        q.current != nil,
		QueueLength: len(q.items),
		Queued:      make([]QueuedItem, 0, len(q.items)),
	}
	if q.current != nil {
		st.Current = &CurrentItem{
			Key:        q.current.key,
			Preview:    q.current.preview,
			DurationMs: now.Sub(q.current.startedAt).Milliseconds(),
		}
	}
	for i, it := range q.items {
		st.Queued = append(st.Queued, QueuedItem{
			Position:  i + 1,
			Key:       it.key,
			Preview:   it.preview,
			WaitingMs: now.Sub(it.enqueuedAt).Milliseconds(),
		})
	}
	return st
}
