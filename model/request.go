package model

import "fmt"

const MaxRecipients = 10

type RecipientSpec struct {
	Type   RecipientType `json:"type"`
	Name   string        `json:"name,omitempty"`
	Email  string        `json:"email,omitempty"`
	Mobile string        `json:"mobile,omitempty"`
}

type CreateSessionRequest struct {
	DocumentRef string            `json:"documentRef"`
	Recipients  []RecipientSpec   `json:"recipients"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type SubmitRequest struct {
	FormData map[string]any `json:"formData"`
}

// ValidateFormData enforces the closed form value set: string, bool and JSON
// numbers only. Nested objects and arrays are rejected at the boundary.
func ValidateFormData(formData map[string]any) error {
	for k, v := range formData {
		switch v.(type) {
		case string, bool, float64, int, int64:
		default:
			return fmt.Errorf("form field %q has unsupported type %T", k, v)
		}
	}
	return nil
}
