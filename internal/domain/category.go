package domain

import "fmt"

// FormFieldType enumerates supported intake form field kinds.
type FormFieldType string

const (
	FieldTypeShortText FormFieldType = "SHORT_TEXT"
	FieldTypeParagraph FormFieldType = "PARAGRAPH"
)

// FormField is one ordered field spec of a category's intake form.
type FormField struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	Type      FormFieldType `json:"type"`
	Required  bool          `json:"required"`
	MinLength int           `json:"min_length"`
	MaxLength int           `json:"max_length"`
}

// Category is per-guild configuration describing where and how tickets of a
// kind are relayed and staffed. Read-only to the lifecycle engine.
type Category struct {
	ID                  string
	GuildID             string
	Name                string
	StaffRoleIDs        []string
	RelayChannelID      string
	EncryptedCredential string
	Priority            int
	FormFields          []FormField

	// AutoCloseHours, when set, overrides the guild-level policy.
	AutoCloseHours        *int
	ResolveAutoCloseHours int
}

// ValidateFormFields checks that field ids are unique across the whole form.
// Flattening multi-page answers assumes global uniqueness, so a collision is
// a configuration error that must be caught here, not at intake time.
func (c *Category) ValidateFormFields() error {
	seen := make(map[string]struct{}, len(c.FormFields))
	for _, field := range c.FormFields {
		if _, dup := seen[field.ID]; dup {
			return fmt.Errorf("category %s: duplicate form field id %q", c.ID, field.ID)
		}
		seen[field.ID] = struct{}{}
	}
	return nil
}

// GuildSettings holds guild-level timed-policy configuration consumed by the
// maintenance sweep. Zero values fall back to service-wide defaults.
type GuildSettings struct {
	GuildID          string
	WarningHours     int
	AutoCloseHours   int
	WarningsEnabled  bool
	AutoCloseEnabled bool
}
