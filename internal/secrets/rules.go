package secrets

// DefaultRules covers cloud provider keys, VCS and SaaS tokens, private keys
// and credentials embedded in connection strings.
func DefaultRules() []Rule {
	return []Rule{
		// AWS
		{
			ID:       "aws-access-key-id",
			Pattern:  `(?i)(A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`,
			Keywords: []string{"aws", "access", "key"},
			Severity: "high",
		},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?([A-Za-z0-9/+=]{40})['"]?`,
			Keywords: []string{"aws", "secret"},
			Severity: "high",
		},

		// Generic
		{
			ID:       "generic-api-key",
			Pattern:  `(?i)(?:api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{16,64})['"]?`,
			Keywords: []string{"api", "key"},
			Severity: "high",
		},
		{
			ID:       "generic-secret",
			Pattern:  `(?i)(?:secret|password|passwd|pwd)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`,
			Keywords: []string{"secret", "password"},
			Severity: "high",
		},

		// Private keys
		{
			ID:       "private-key",
			Pattern:  `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?:[- ]BLOCK)?-----`,
			Severity: "high",
		},

		// GitHub
		{
			ID:       "github-token",
			Pattern:  `ghp_[A-Za-z0-9]{36}`,
			Severity: "high",
		},
		{
			ID:       "github-oauth",
			Pattern:  `gho_[A-Za-z0-9]{36}`,
			Severity: "high",
		},
		{
			ID:       "github-app",
			Pattern:  `(?:ghu|ghs)_[A-Za-z0-9]{36}`,
			Severity: "high",
		},
		{
			ID:       "github-fine-grained",
			Pattern:  `github_pat_[A-Za-z0-9_]{22,}`,
			Severity: "high",
		},

		// GitLab
		{
			ID:       "gitlab-token",
			Pattern:  `glpat-[A-Za-z0-9\-]{20,}`,
			Severity: "high",
		},

		// Slack
		{
			ID:       "slack-token",
			Pattern:  `xox[baprs]-[A-Za-z0-9\-]{10,}`,
			Severity: "high",
		},

		// Stripe
		{
			ID:       "stripe-key",
			Pattern:  `(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{24,}`,
			Severity: "high",
		},

		// Connection strings
		{
			ID:       "database-url",
			Pattern:  `(?i)(?:postgres|mysql|mongodb|redis|amqp)://[^:]+:[^@]+@[^\s]+`,
			Keywords: []string{"database", "db", "connection"},
			Severity: "high",
		},

		// JWT
		{
			ID:       "jwt",
			Pattern:  `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
			Severity: "medium",
		},

		// Google
		{
			ID:       "google-api-key",
			Pattern:  `AIza[A-Za-z0-9_\-]{35}`,
			Keywords: []string{"google"},
			Severity: "high",
		},
		{
			ID:       "google-oauth",
			Pattern:  `(?i)client_secret['":\s]+[A-Za-z0-9_\-]{24}`,
			Keywords: []string{"google", "oauth"},
			Severity: "high",
		},

		// Azure
		{
			ID:       "azure-storage-key",
			Pattern:  `(?i)(?:account_?key|storage_?key)\s*[:=]\s*['"]?([A-Za-z0-9+/]{86}==)['"]?`,
			Keywords: []string{"azure", "storage"},
			Severity: "high",
		},

		// Anthropic
		{
			ID:       "anthropic-api-key",
			Pattern:  `sk-ant-[A-Za-z0-9_\-]{90,}`,
			Keywords: []string{"anthropic", "claude"},
			Severity: "high",
		},

		// OpenAI
		{
			ID:       "openai-api-key",
			Pattern:  `sk-[A-Za-z0-9]{48,}`,
			Keywords: []string{"openai"},
			Severity: "high",
		},

		// SendGrid
		{
			ID:       "sendgrid-api-key",
			Pattern:  `SG\.[A-Za-z0-9_\-]{22,}\.[A-Za-z0-9_\-]{43,}`,
			Severity: "high",
		},

		// Twilio
		{
			ID:       "twilio-api-key",
			Pattern:  `SK[A-Za-z0-9]{32}`,
			Keywords: []string{"twilio"},
			Severity: "high",
		},

		// npm
		{
			ID:       "npm-token",
			Pattern:  `npm_[A-Za-z0-9]{36}`,
			Severity: "high",
		},

		// Heroku
		{
			ID:       "heroku-api-key",
			Pattern:  `(?i)heroku[_-]?api[_-]?key\s*[:=]\s*[A-Fa-f0-9]{8}-[A-Fa-f0-9]{4}-[A-Fa-f0-9]{4}-[A-Fa-f0-9]{4}-[A-Fa-f0-9]{12}`,
			Keywords: []string{"heroku"},
			Severity: "high",
		},

		// Bearer
		{
			ID:       "bearer-token",
			Pattern:  `(?i)(?:authorization|bearer)\s*[:=]\s*['"]?bearer\s+([A-Za-z0-9_\-\.]{20,})['"]?`,
			Keywords: []string{"authorization", "bearer"},
			Severity: "medium",
		},

		// Sensitive environment variables
		{
			ID:       "env-credential",
			Pattern:  `(?i)(?:^|[^A-Za-z0-9_])(?:DB_PASSWORD|DATABASE_PASSWORD|MYSQL_PASSWORD|POSTGRES_PASSWORD|REDIS_PASSWORD|MONGO_PASSWORD|API_SECRET|APP_SECRET|SECRET_KEY|ENCRYPTION_KEY|PRIVATE_KEY|AUTH_TOKEN|ACCESS_TOKEN|REFRESH_TOKEN)\s*[:=]\s*['"]?([^\s'"]{8,})['"]?`,
			Severity: "high",
		},
	}
}
