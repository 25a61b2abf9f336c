package encounter

// ReplyStream is an in-flight patient reply. Recv returns io.EOF once the
// reply is complete; ShouldEnd is only meaningful after that.
type ReplyStream interface {
	Recv() (string, error)
	ShouldEnd() bool
	Close()
}

// GeneratedEvaluation is the evaluation generator's output before
// normalization. Metrics is loosely typed on purpose.
type GeneratedEvaluation struct {
	Text    string
	Metrics map[string]any
}
