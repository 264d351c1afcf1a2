package model

// Result is the outcome of running one executor on one asset: a
// mapping from metric name to its numeric score. A Result is immutable
// once created, it is either parsed from a log file or loaded verbatim
// from a result store.
type Result struct {
	Asset      Asset              `json:"asset"`
	ExecutorID string             `json:"executor_id"`
	Scores     map[string]float64 `json:"scores"`
}

// Score returns the value of the named metric.
func (r Result) Score(name string) (float64, bool) {
	v, ok := r.Scores[name]
	return v, ok
}
