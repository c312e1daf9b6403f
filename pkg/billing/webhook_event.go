package billing

// WebhookResponse is the JSON body returned to the provider after a
// notification was authenticated. Exactly one of Handled, Ignored, Note
// or Error is set.
type WebhookResponse struct {
	OK      bool   `json:"ok"`
	Handled string `json:"handled,omitempty"`
	Ignored string `json:"ignored,omitempty"`
	Note    string `json:"note,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrorResponse is the JSON body for rejected requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
