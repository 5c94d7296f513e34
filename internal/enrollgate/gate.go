package enrollgate

// AdmitNewAccount decides whether a new provisioning attempt may
// proceed given a counter snapshot. It is a check against a freshly
// read snapshot, not a reservation: the directory's create-conflict
// response remains the authoritative uniqueness guard. A count at or
// above the limit always denies, including counts pushed over the
// limit by a later administrative limit reduction.
func AdmitNewAccount(count, limit int) bool {
	return count < limit
}
