package storage

// ===== HELPER FUNCTIONS =====

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxQueryLimit {
		return defaultQueryLimit
	}
	return limit
}
