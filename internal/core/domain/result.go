package domain

// Result is one scenario's scored outcome. Immutable once attached to a Job.
type Result struct {
	ScenarioID     string `json:"scenario_id"`
	Prompt         string `json:"prompt"`
	ExpectedAnswer string `json:"expected_answer"`
	Response       string `json:"response"`
	Passed         bool   `json:"passed"`
	ModelUsed      string `json:"model_used"`
}

// SignedResult pairs a Result with the Ed25519 signature computed over its
// canonical JSON serialization at job completion time.
type SignedResult struct {
	Result    Result `json:"result"`
	Signature string `json:"signature"` // base64
}

// Scenario is a single prompt/expected-answer pair from the catalog.
type Scenario struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Answer string `json:"answer"`
}
