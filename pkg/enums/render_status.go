package enums

import "fmt"

// RenderStatus is the informational render state tracked on a composition.
type RenderStatus string

const (
	RenderStatusDraft     RenderStatus = "draft"
	RenderStatusRendering RenderStatus = "rendering"
	RenderStatusComplete  RenderStatus = "complete"
	RenderStatusError     RenderStatus = "error"
)

var validRenderStatuses = []RenderStatus{
	RenderStatusDraft,
	RenderStatusRendering,
	RenderStatusComplete,
	RenderStatusError,
}

var renderTransitions = map[RenderStatus][]RenderStatus{
	RenderStatusDraft:     {RenderStatusRendering, RenderStatusError},
	RenderStatusRendering: {RenderStatusComplete, RenderStatusError},
	RenderStatusComplete:  {RenderStatusRendering},
	RenderStatusError:     {RenderStatusRendering},
}

func (s RenderStatus) String() string {
	return string(s)
}

func (s RenderStatus) IsValid() bool {
	for _, candidate := range validRenderStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether the render state machine allows s -> next.
// Resetting to draft is always allowed since any new version invalidates a render.
func (s RenderStatus) CanTransitionTo(next RenderStatus) bool {
	if next == RenderStatusDraft {
		return true
	}
	for _, allowed := range renderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseRenderStatus converts raw input into a RenderStatus.
func ParseRenderStatus(value string) (RenderStatus, error) {
	for _, candidate := range validRenderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid render status %q", value)
}
