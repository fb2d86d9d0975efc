package services

import "github.com/scholarcite/citation-backend/models"

// TextAnalysisService extracts the sentence neighbourhood around the cursor
// from an editor snapshot.
type TextAnalysisService interface {
	ExtractContext(text string, editorCtx *models.EditorContext) *models.TextContext

	// ShouldUpdate reports whether the change between two snapshots is
	// significant enough to warrant a new suggestion round.
	ShouldUpdate(oldText, newText string) bool
}
