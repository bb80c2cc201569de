package tools

import _ "embed"

// defaultStandards ships with the binary so FetchStandards works without
// any configuration.
//
//go:embed standards.md
var defaultStandards string
