package types

// SecurityEvent names a rejected operation worth counting for audit.
type SecurityEvent string

const (
	EventDoubleVote     SecurityEvent = "double_vote_attempt"
	EventInvalidToken   SecurityEvent = "invalid_token"
	EventPollClosed     SecurityEvent = "vote_on_closed_poll"
	EventAlreadyIssued  SecurityEvent = "reissuance_attempt"
	EventReplayedProof  SecurityEvent = "replayed_identity_proof"
	EventRateLimited    SecurityEvent = "rate_limited"
	EventIdentityReject SecurityEvent = "identity_rejected"
)

// EventCounters maps every event observed for a poll to its count.
type EventCounters map[SecurityEvent]uint64
