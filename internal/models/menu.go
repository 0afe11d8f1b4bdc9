package models

// Menu button actions. A button either replies with fixed text, dumps the
// contents of a text file, or uploads every file matching a name prefix.
const (
	MenuActionFixedText  = "fixed_text"
	MenuActionTextFile   = "text_file"
	MenuActionFileUpload = "file_upload"
)

// MenuButton is one of the five config-owned menu slots. Slots are fixed:
// buttons are enabled/disabled and re-labeled through configuration, never
// created or deleted at runtime.
type MenuButton struct {
	ID        string `json:"id"`
	Enabled   bool   `json:"enabled"`
	Text      string `json:"text"`
	Action    string `json:"action"`
	Parameter string `json:"parameter"`
}
