package secrets

// Rule describes a single secret detection pattern. Keywords, when set,
// gate the (usually more expensive) pattern: the rule only runs if at
// least one keyword appears in the content.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Keywords    []string
}

// DefaultRules covers the credential classes a test generation run can
// plausibly leak into proposal text: tokens for the hosting provider and
// the model API, plus the generic key/password shapes that show up in
// quoted repository files.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `(?:ghp|gho|ghu|ghs)_[A-Za-z0-9]{36}`,
		},
		{
			ID:          "github-fine-grained",
			Description: "GitHub fine-grained personal access token",
			Pattern:     `github_pat_[A-Za-z0-9_]{22,}`,
		},
		{
			ID:          "openai-api-key",
			Description: "OpenAI API key",
			Pattern:     `sk-[A-Za-z0-9_\-]{20,}`,
		},
		{
			ID:          "anthropic-api-key",
			Description: "Anthropic API key",
			Pattern:     `sk-ant-[A-Za-z0-9_\-]{90,}`,
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS access key ID",
			Pattern:     `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|ASIA)[A-Z0-9]{16}`,
			Keywords:    []string{"aws", "akia", "asia"},
		},
		{
			ID:          "private-key",
			Description: "PEM private key",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
		},
		{
			ID:          "generic-api-key",
			Description: "Generic API key assignment",
			Pattern:     `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,64}['"]?`,
			Keywords:    []string{"api"},
		},
		{
			ID:          "generic-secret",
			Description: "Generic secret or password assignment",
			Pattern:     `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords:    []string{"secret", "password", "passwd", "pwd"},
		},
		{
			ID:          "database-url",
			Description: "Database connection URL with credentials",
			Pattern:     `(?i)(?:postgres|mysql|mongodb|redis|amqp)://[^:\s]+:[^@\s]+@[^\s]+`,
			Keywords:    []string{"://"},
		},
		{
			ID:          "jwt",
			Description: "JSON Web Token",
			Pattern:     `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token in an authorization header",
			Pattern:     `(?i)(?:authorization|bearer)\s*[:=]\s*['"]?bearer\s+[A-Za-z0-9_\-\.]{20,}['"]?`,
			Keywords:    []string{"bearer", "authorization"},
		},
	}
}
