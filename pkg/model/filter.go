package model

// Queue depth bounds applied to the remote filter policy.
const (
	MinQueueDepth     = 20
	MaxQueueDepth     = 100
	DefaultQueueDepth = MinQueueDepth
)

// FilterConfig is the result filter policy fetched once per run.
type FilterConfig struct {
	Enabled         bool   `json:"enabled"`
	QueueDepth      int    `json:"queueDepth"`
	FilterParams    string `json:"filterParams"`
	ResultsFiltered bool   `json:"resultsFiltered"`
}

// Normalize clamps QueueDepth into [MinQueueDepth, MaxQueueDepth]; zero or negative
// input falls back to DefaultQueueDepth.
func (c FilterConfig) Normalize() FilterConfig {
	switch {
	case c.QueueDepth <= 0:
		c.QueueDepth = DefaultQueueDepth
	case c.QueueDepth < MinQueueDepth:
		c.QueueDepth = MinQueueDepth
	case c.QueueDepth > MaxQueueDepth:
		c.QueueDepth = MaxQueueDepth
	}
	return c
}
