package analyses

import "fmt"

// MalformedResponseError indicates the provider output could not be decoded
// into an analysis object. Raw carries the verbatim output for the operator
// archive; it is never returned to HTTP callers.
type MalformedResponseError struct {
	Raw string
}

func (e *MalformedResponseError) Error() string {
	return "model response is not a valid analysis object"
}

// NotJobDescriptionError indicates the model classified the submitted text as
// something other than a job description.
type NotJobDescriptionError struct {
	Reason string
}

func (e *NotJobDescriptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("not a job description: %s", e.Reason)
	}
	return "the submitted text does not appear to be a job description"
}
