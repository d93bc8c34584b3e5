package recycling

// Decision is the binary accept/reject verdict.
type Decision string

const (
	Accept Decision = "Accept"
	Reject Decision = "Reject"
)

// DecisionThreshold is the minimum confidence that is accepted.
const DecisionThreshold = 0.8

// Decide accepts iff confidence >= DecisionThreshold.
func Decide(confidence float64) Decision {
	if confidence >= DecisionThreshold {
		return Accept
	}
	return Reject
}
