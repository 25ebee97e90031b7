package quota

// Snapshot is the shape a client caches between requests. It is a read
// replica of Record and is never trusted for admission.
type Snapshot struct {
	UserID            string `json:"userId"`
	RemainingAttempts int    `json:"remainingAttempts"`
	PaidTier          bool   `json:"paidTier"`
}

func (r Record) Snapshot() Snapshot {
	return Snapshot{
		UserID:            r.UserID,
		RemainingAttempts: r.Remaining,
		PaidTier:          r.Paid(),
	}
}

// Reconcile returns the authoritative snapshot for rec and whether the
// client's copy had drifted from it. A copy cached for a different user counts
// as drift: the client must reset rather than carry counts across accounts.
func Reconcile(client *Snapshot, rec Record) (Snapshot, bool) {
	authoritative := rec.Snapshot()
	if client == nil {
		return authoritative, false
	}
	return authoritative, *client != authoritative
}
