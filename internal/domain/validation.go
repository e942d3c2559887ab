package domain

import (
	"strings"
	"unicode/utf8"

	apperrors "github.com/deskflow/helpdesk/pkg/util"
)

const (
	TitleMinLength       = 5
	TitleMaxLength       = 100
	DescriptionMinLength = 10
	DescriptionMaxLength = 5000
	CommentMaxLength     = 1000
)

// ValidateTicketInput checks a full ticket payload.
func ValidateTicketInput(in TicketInput) error {
	details := map[string]any{}
	checkTitle(in.Title, details)
	checkDescription(in.Description, details)
	if !in.Category.Valid() {
		details["category"] = "unknown category"
	}
	if in.Priority != "" && !in.Priority.Valid() {
		details["priority"] = "unknown priority"
	}
	if strings.TrimSpace(in.Department) == "" {
		details["department"] = "required"
	}
	return validationResult(details)
}

// ValidatePatch checks only the fields present in the patch.
func ValidatePatch(p TicketPatch) error {
	details := map[string]any{}
	if p.Title != nil {
		checkTitle(*p.Title, details)
	}
	if p.Description != nil {
		checkDescription(*p.Description, details)
	}
	if p.Category != nil && !p.Category.Valid() {
		details["category"] = "unknown category"
	}
	if p.Priority != nil && !p.Priority.Valid() {
		details["priority"] = "unknown priority"
	}
	if p.Department != nil && strings.TrimSpace(*p.Department) == "" {
		details["department"] = "required"
	}
	return validationResult(details)
}

// ValidateCommentText checks a comment body.
func ValidateCommentText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return apperrors.NewValidationError("comment text required", nil)
	}
	if utf8.RuneCountInString(text) > CommentMaxLength {
		return apperrors.NewValidationError("comment text too long", map[string]any{"max": CommentMaxLength})
	}
	return nil
}

func checkTitle(title string, details map[string]any) {
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	if n < TitleMinLength || n > TitleMaxLength {
		details["title"] = "must be between 5 and 100 characters"
	}
}

func checkDescription(desc string, details map[string]any) {
	n := utf8.RuneCountInString(strings.TrimSpace(desc))
	if n < DescriptionMinLength {
		details["description"] = "must be at least 10 characters"
	} else if n > DescriptionMaxLength {
		details["description"] = "must be at most 5000 characters"
	}
}

func validationResult(details map[string]any) error {
	if len(details) == 0 {
		return nil
	}
	return apperrors.NewValidationError("invalid ticket payload", details)
}
