package booking

import (
	"fmt"
	"strings"

	"github.com/wolfman30/workcomp-booking/internal/voice"
)

// Custom analysis keys the provider agents are configured to extract.
const (
	analysisAvailableTimes   = "available_times"
	analysisSelectedTime     = "selected_time"
	analysisBookingConfirmed = "booking_confirmed"
)

// ClassifyOutcome maps a finished call's disconnect reason and analysis into
// one of completed, no_answer, voicemail, busy or failed.
func ClassifyOutcome(disconnectReason string, analysis *voice.CallAnalysis) Outcome {
	if analysis != nil && analysis.InVoicemail {
		return OutcomeVoicemail
	}
	switch strings.ToLower(strings.TrimSpace(disconnectReason)) {
	case "dial_no_answer", "no_answer", "registered_call_timeout":
		return OutcomeNoAnswer
	case "voicemail_reached", "machine_detected", "voicemail":
		return OutcomeVoicemail
	case "dial_busy", "busy", "concurrency_limit_reached":
		return OutcomeBusy
	case "user_hangup", "agent_hangup", "call_transfer", "max_duration_reached", "inactivity":
		return OutcomeCompleted
	case "":
		// call_analyzed payloads sometimes omit the reason
		if analysis != nil {
			return OutcomeCompleted
		}
		return OutcomeFailed
	default:
		return OutcomeFailed
	}
}

func callSuccessful(o Outcome, analysis *voice.CallAnalysis) bool {
	if analysis != nil && analysis.CallSuccessful != nil {
		return *analysis.CallSuccessful
	}
	return o == OutcomeCompleted
}

// extractTimes reads the candidate slots the medical center offered.
// Accepts a JSON array or a single ";"/newline separated string.
func extractTimes(analysis *voice.CallAnalysis) []string {
	if analysis == nil {
		return nil
	}
	raw, ok := analysis.CustomData[analysisAvailableTimes]
	if !ok || raw == nil {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			if item == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(v, func(r rune) bool { return r == ';' || r == '\n' }) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func extractSelectedTime(analysis *voice.CallAnalysis) string {
	if analysis == nil {
		return ""
	}
	v, ok := analysis.CustomData[analysisSelectedTime].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// bookingConfirmed reads the final-confirm flag, falling back to call_successful.
func bookingConfirmed(analysis *voice.CallAnalysis) bool {
	if analysis == nil {
		return false
	}
	switch v := analysis.CustomData[analysisBookingConfirmed].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "confirmed":
			return true
		}
		return false
	}
	return analysis.CallSuccessful != nil && *analysis.CallSuccessful
}
