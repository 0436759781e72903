package ingestion

// Result aggregates the outcome of one webhook envelope. Accepted sub-events
// were published to the bus, filtered ones were dropped as duplicates, and
// failed ones did not pass validation or the idempotency store.
type Result struct {
	Accepted int `json:"accepted"`
	Filtered int `json:"filtered"`
	Failed   int `json:"failed"`
}

// Total counts every sub-event the envelope carried.
func (r Result) Total() int {
	return r.Accepted + r.Filtered + r.Failed
}
