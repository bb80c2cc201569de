package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// VerificationResult is the Verifier's structured verdict on the
// existing test suite.
type VerificationResult struct {
	Adequate bool   `json:"adequate"`
	Notes    string `json:"notes"`
}

// PlanArtifact is the Planner's output. The plan text is opaque to the
// engine and consumed only by the Implementer.
type PlanArtifact struct {
	Plan string `json:"plan"`
}

// ImplementationResult reports what the Implementer wrote.
type ImplementationResult struct {
	Files   []string `json:"files"`
	Summary string   `json:"summary"`
}

// ReviewResult is the Reviewer's structured verdict on the implemented
// tests.
type ReviewResult struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

// decodeResult parses a final model message into the role's result type.
// The message must be a single JSON object matching the schema exactly;
// unknown fields are rejected. A fenced code block around the object is
// tolerated since models add fences despite instructions.
func decodeResult(raw string, out any) error {
	text := strings.TrimSpace(stripFence(raw))
	if text == "" {
		return fmt.Errorf("empty model response")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("response is not valid result JSON: %w", err)
	}
	// Trailing content after the object is a schema violation too.
	if dec.More() {
		return fmt.Errorf("trailing content after result JSON")
	}
	return nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return s
}
