package docbroker

import (
	"strings"
	"sync"
)

const DataLossPrefix = "Data-loss detected"

// DataLossReporter emits the terminal data-loss signal at most once per
// document.
type DataLossReporter struct {
	mu    sync.Mutex
	fired bool
	emit  func(reason string)
}

func NewDataLossReporter(emit func(reason string)) *DataLossReporter {
	return &DataLossReporter{emit: emit}
}

// Report fires the signal with detail appended to DataLossPrefix. It returns
// false when the signal already fired.
func (r *DataLossReporter) Report(detail string) bool {
	r.mu.Lock()
	if r.fired {
		r.mu.Unlock()
		return false
	}
	r.fired = true
	r.mu.Unlock()
	if r.emit != nil {
		r.emit(DataLossReason(detail))
	}
	return true
}

func (r *DataLossReporter) Reported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired
}

func DataLossReason(detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return DataLossPrefix
	}
	return DataLossPrefix + ": " + detail
}
