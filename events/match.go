package events

import "strings"

const typeSeparator = "."

// MatchType reports whether an event type such as "chain.failed" matches
// pattern. Segments are split on ".", "*" matches exactly one segment and
// "#" matches zero or more, anywhere in the pattern.
func MatchType(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}

	patternParts := strings.Split(pattern, typeSeparator)
	typeParts := strings.Split(eventType, typeSeparator)
	pLen, tLen := len(patternParts), len(typeParts)

	// prev[j] is true when the pattern consumed so far matches the first j
	// type segments
	dp := make([]bool, tLen+1)
	prev := make([]bool, tLen+1)
	prev[0] = true

	for i := 1; i <= pLen; i++ {
		part := patternParts[i-1]
		dp[0] = part == "#" && prev[0]

		for j := 1; j <= tLen; j++ {
			switch part {
			case "#":
				dp[j] = prev[j] || dp[j-1]
			case "*":
				dp[j] = prev[j-1]
			default:
				dp[j] = prev[j-1] && part == typeParts[j-1]
			}
		}
		copy(prev, dp)
	}

	return prev[tLen]
}

// Filter forwards to obs only the events whose type matches one of
// patterns. With no patterns every event is forwarded.
func Filter(obs Observer, patterns ...string) Observer {
	if len(patterns) == 0 {
		return obs
	}
	return ObserverFunc(func(e Event) {
		for _, p := range patterns {
			if MatchType(p, e.Type()) {
				obs.OnEvent(e)
				return
			}
		}
	})
}
