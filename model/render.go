package model

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/calagent/core"
)

// ResultText renders an invocation result as the tool output text shown to
// the model. Failures and rejections become ordinary tool output so the model
// can narrate or self-correct instead of the turn crashing.
func ResultText(res core.InvocationResult) string {
	switch {
	case res.Rejected:
		text := "The user rejected this invocation."
		if res.Feedback != "" {
			text += " Feedback: " + res.Feedback
		}
		return text
	case res.Error != "":
		return "Error: " + res.Error
	default:
		if s, ok := res.Response.(string); ok {
			return s
		}
		data, err := json.Marshal(res.Response)
		if err != nil {
			return fmt.Sprintf("%v", res.Response)
		}
		return string(data)
	}
}
