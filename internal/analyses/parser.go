package analyses

import (
	"encoding/json"
	"strings"
)

// ParsePosting decodes raw provider output into a Posting.
//
// Providers sometimes wrap the object in a markdown fence or prefix it with
// chatter despite instructions, so the parser slices from the first '{' to
// the last '}' before decoding. The isJobDescription field is the
// discriminator: absent means the object is not ours (malformed), false means
// the model rejected the input.
func ParsePosting(raw string) (Posting, error) {
	payload, ok := sliceObject(raw)
	if !ok {
		return Posting{}, &MalformedResponseError{Raw: raw}
	}

	var envelope struct {
		IsJobDescription *bool  `json:"isJobDescription"`
		Error            string `json:"error"`
		Posting
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return Posting{}, &MalformedResponseError{Raw: raw}
	}
	if envelope.IsJobDescription == nil {
		return Posting{}, &MalformedResponseError{Raw: raw}
	}
	if !*envelope.IsJobDescription {
		return Posting{}, &NotJobDescriptionError{Reason: strings.TrimSpace(envelope.Error)}
	}

	p := envelope.Posting
	if p.RequiredSkills == nil {
		p.RequiredSkills = []string{}
	}
	if p.InterviewQuestions == nil {
		p.InterviewQuestions = []string{}
	}
	return p, nil
}

// sliceObject returns the substring spanning the outermost braces. A greedy
// first-to-last slice also strips any surrounding code fence.
func sliceObject(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
