package capture

// reduce merges a step's output into the previous state while holding the
// invariants no step may break:
//   - SessionID and UserID never change once set
//   - the conversation log only grows
//   - OriginalCategoryID is captured at most once
//   - a suspended state's pending record is frozen
//   - a committed record id is never cleared
func reduce(prev, delta State) State {
	if prev.SessionID != "" {
		delta.SessionID = prev.SessionID
	}
	if prev.UserID != "" {
		delta.UserID = prev.UserID
	}

	if !extends(delta.Log, prev.Log) {
		delta.Log = prev.Log
	}

	if prev.OriginalCaptured {
		delta.OriginalCategoryID = prev.OriginalCategoryID
		delta.OriginalCaptured = true
	}

	if prev.Suspended {
		delta.Pending = prev.Pending
	}

	if prev.CommittedRecordID != "" {
		delta.CommittedRecordID = prev.CommittedRecordID
	}

	return delta
}

func extends(next, prev []Turn) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if next[i].Role != prev[i].Role || next[i].Text != prev[i].Text {
			return false
		}
	}
	return true
}
