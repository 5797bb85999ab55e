package analyses

import "joblens-backend/internal/ledger"

// Posting is the structured extraction of one job description.
//
// JSON Schema (v1):
//
//	{
//	  "jobTitle": "string",
//	  "company": "string ('' if not stated)",
//	  "location": "string ('' if not stated)",
//	  "seniorityLevel": "intern | junior | mid | senior | lead | unspecified",
//	  "requiredSkills": ["string"],
//	  "interviewQuestions": ["string"]  // five questions, English
//	}
type Posting struct {
	JobTitle           string   `json:"jobTitle"`
	Company            string   `json:"company"`
	Location           string   `json:"location"`
	SeniorityLevel     string   `json:"seniorityLevel"`
	RequiredSkills     []string `json:"requiredSkills"`
	InterviewQuestions []string `json:"interviewQuestions"`
}

// Result is the accepted outcome of one submission.
type Result struct {
	AnalysisID   string
	SourceWasURL bool
	Posting      Posting
	Billing      ledger.Billing
}
