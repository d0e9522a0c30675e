package diskstats

// Ready reports whether storageRoot has at least minFreeBytes available.
// Stats unavailable (avail == total == 0, e.g. a non-Linux build) is
// treated as ready — a missing signal must never itself block readiness.
func Ready(storageRoot string, minFreeBytes int64) (ready bool, availBytes uint64) {
	avail, total := Stat(storageRoot)
	if avail == 0 && total == 0 {
		return true, 0
	}
	return avail >= uint64(minFreeBytes), avail
}
