package patterns

import "github.com/arunrao/rampart/pkg/finding"

// builtinVersion identifies the compiled-in tables. Custom tables loaded
// from YAML carry their own version and replace this via Swap.
const builtinVersion = "2026.08.0"

// builtinFamilies returns the default pattern tables.
//
// Severities are calibrated against the default 0.5 block threshold: direct
// attack phrasings sit at 0.8+, weaker contextual signals at 0.6-0.75 so a
// single soft hit warns rather than blocks.
func builtinFamilies() []Family {
	return []Family{
		// ==================================================================
		// Injection class: input-side prompt attacks
		// ==================================================================
		{
			Name:     "instruction_override",
			Class:    ClassInjection,
			Category: finding.CategoryInstructionOverride,
			Severity: 0.85,
			Rules: []Rule{
				{Name: "ignore_previous", Expr: `(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier|preceding)\s+(?:instructions?|prompts?|rules?|directives?|guidelines?|context)`, Severity: 0.85},
				{Name: "forget_training", Expr: `(?i)\bforget\s+(?:everything|all)\s+(?:you\s+)?(?:were\s+told|know|learned)`, Severity: 0.8},
				{Name: "override_safety", Expr: `(?i)\b(?:override|bypass|disable|turn\s+off)\s+(?:your\s+|the\s+|all\s+)?(?:safety|security|content)?\s*(?:rules?|filters?|restrictions?|guardrails?|protocols?)`, Severity: 0.85},
				{Name: "new_instructions", Expr: `(?i)\bnew\s+instructions?\s*:`, Severity: 0.7},
				{Name: "stop_following", Expr: `(?i)\bstop\s+(?:following|obeying)\s+(?:your|the|all)\b`, Severity: 0.8},
			},
		},
		{
			Name:     "role_manipulation",
			Class:    ClassInjection,
			Category: finding.CategoryRoleManipulation,
			Severity: 0.75,
			Rules: []Rule{
				{Name: "you_are_now", Expr: `(?i)\byou\s+are\s+now\s+(?:a|an|in|the)\b`, Severity: 0.7},
				{Name: "pretend", Expr: `(?i)\bpretend\s+(?:to\s+be|you\s+are|you're)\b`, Severity: 0.75},
				{Name: "act_as", Expr: `(?i)\bact\s+as\s+(?:if\s+you|a|an|my|the)\b`, Severity: 0.7},
				{Name: "roleplay", Expr: `(?i)\brole-?play\s+as\b`, Severity: 0.75},
				{Name: "from_now_on", Expr: `(?i)\bfrom\s+now\s+on\s+you(?:'re|\s+are|\s+will)\b`, Severity: 0.7},
			},
		},
		{
			Name:     "jailbreak",
			Class:    ClassInjection,
			Category: finding.CategoryJailbreak,
			Severity: 0.9,
			Rules: []Rule{
				{Name: "dan_mode", Expr: `(?i)\bdan\s+mode\b`, Severity: 0.9},
				{Name: "do_anything_now", Expr: `(?i)\bdo\s+anything\s+now\b`, Severity: 0.9},
				{Name: "developer_mode", Expr: `(?i)\bdeveloper\s+mode\b`, Severity: 0.85},
				{Name: "no_restrictions", Expr: `(?i)\bno\s+(?:restrictions?|limitations?|filters?|censorship)\b`, Severity: 0.75},
				{Name: "unrestricted_mode", Expr: `(?i)\b(?:unrestricted|uncensored|unfiltered)\s+(?:mode|ai|assistant|version|model)\b`, Severity: 0.85},
				{Name: "jailbreak_word", Expr: `(?i)\bjail\s?break(?:ed|ing)?\b`, Severity: 0.8},
			},
		},
		{
			Name:     "context_confusion",
			Class:    ClassInjection,
			Category: finding.CategoryContextConfusion,
			Severity: 0.7,
			Rules: []Rule{
				{Name: "role_tags", Expr: `(?i)</?\s*(?:system|assistant)\s*>`, Severity: 0.75},
				{Name: "inst_tags", Expr: `(?i)\[/?(?:INST|SYS)\]`, Severity: 0.75},
				{Name: "role_prefix", Expr: `(?im)^\s*(?:system|assistant)\s*:`, Severity: 0.6},
				{Name: "end_of_prompt", Expr: `(?i)\bend\s+of\s+(?:system\s+)?(?:prompt|instructions?)\b`, Severity: 0.7},
				{Name: "fake_delimiter", Expr: "(?i)```\\s*(?:system|instructions?)", Severity: 0.65},
			},
		},
		{
			Name:     "scope_violation",
			Class:    ClassInjection,
			Category: finding.CategoryScopeViolation,
			Severity: 0.8,
			Rules: []Rule{
				{Name: "prompt_extraction", Expr: `(?i)\b(?:reveal|show|print|display|output|repeat|disclose|expose)\b[^.?!\n]{0,60}\b(?:system\s+prompt|initial\s+prompt|hidden\s+prompt|your\s+instructions?|your\s+prompt|your\s+directives?)`, Severity: 0.85},
				{Name: "ask_instructions", Expr: `(?i)\bwhat\s+(?:is|are)\s+your\s+(?:system\s+prompt|instructions?|initial\s+prompt|rules?)\b`, Severity: 0.8},
				{Name: "credential_request", Expr: `(?i)\b(?:your|the)\s+(?:api|secret|private)\s+keys?\b`, Severity: 0.8},
				{Name: "env_probe", Expr: `(?i)\b(?:list|dump|show)\s+(?:your\s+)?(?:environment|env)\s+(?:variables?|vars?)\b`, Severity: 0.75},
			},
		},
		{
			Name:     "harmful_request",
			Class:    ClassInjection,
			Category: finding.CategoryToxicity,
			Severity: 0.75,
			Rules: []Rule{
				{Name: "violence_howto", Expr: `(?i)\bhow\s+to\s+(?:kill|harm|hurt|poison)\s+(?:a|an|the|my|someone)\b`, Severity: 0.75},
				{Name: "weapon_howto", Expr: `(?i)\bhow\s+to\s+(?:build|make|construct)\s+(?:a\s+)?(?:bomb|explosive|weapon)\b`, Severity: 0.8},
			},
		},

		// ==================================================================
		// PII class: structured entities, every occurrence matters
		// ==================================================================
		{
			Name:     "email",
			Class:    ClassPII,
			Severity: 0.95,
			Rules: []Rule{
				{Name: "rfc_addr", Expr: `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, Severity: 0.95},
			},
		},
		{
			Name:     "phone",
			Class:    ClassPII,
			Severity: 0.9,
			Rules: []Rule{
				// Requires at least one separator so bare 10-digit numbers
				// (order ids, timestamps) do not match.
				{Name: "nanp", Expr: `(?:\+?1[\s.\-])?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]?\d{4}\b`, Severity: 0.9},
			},
		},
		{
			Name:     "ssn",
			Class:    ClassPII,
			Severity: 0.98,
			Rules: []Rule{
				{Name: "dashed", Expr: `\b\d{3}-\d{2}-\d{4}\b`, Severity: 0.98},
			},
		},
		{
			Name:     "credit_card",
			Class:    ClassPII,
			Severity: 0.97,
			Rules: []Rule{
				{Name: "major_networks", Expr: `\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6(?:011|5\d{2}))[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{1,4}\b`, Severity: 0.97},
			},
		},
		{
			Name:     "ip_address",
			Class:    ClassPII,
			Severity: 0.85,
			Rules: []Rule{
				{Name: "ipv4", Expr: `\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`, Severity: 0.85},
			},
		},

		// ==================================================================
		// Credential class: output-side secret leakage
		// ==================================================================
		{
			Name:     "aws_credentials",
			Class:    ClassCredential,
			Severity: 0.95,
			Rules: []Rule{
				{Name: "access_key_id", Expr: `\bAKIA[0-9A-Z]{16}\b`, Severity: 0.95},
				{Name: "secret_key", Expr: `(?i)aws[^\n]{0,20}(?:secret|key)[^\n]{0,20}['"][0-9A-Za-z/+=]{40}['"]`, Severity: 0.9},
			},
		},
		{
			Name:     "github_token",
			Class:    ClassCredential,
			Severity: 0.95,
			Rules: []Rule{
				{Name: "pat", Expr: `\bgh[pousr]_[A-Za-z0-9]{36,}\b`, Severity: 0.95},
			},
		},
		{
			Name:     "anthropic_key",
			Class:    ClassCredential,
			Severity: 0.95,
			Rules: []Rule{
				{Name: "api_key", Expr: `\bsk-ant-api\d{2}-[A-Za-z0-9_\-]{16,}\b`, Severity: 0.95},
			},
		},
		{
			Name:     "openai_key",
			Class:    ClassCredential,
			Severity: 0.9,
			Rules: []Rule{
				{Name: "api_key", Expr: `\bsk-[A-Za-z0-9_\-]{20,}\b`, Severity: 0.9},
			},
		},
		{
			Name:     "slack_token",
			Class:    ClassCredential,
			Severity: 0.9,
			Rules: []Rule{
				{Name: "bot_user", Expr: `\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`, Severity: 0.9},
			},
		},
		{
			Name:     "private_key",
			Class:    ClassCredential,
			Severity: 0.98,
			Rules: []Rule{
				{Name: "pem_block", Expr: `-----BEGIN (?:RSA |EC |OPENSSH |DSA |PGP )?PRIVATE KEY(?: BLOCK)?-----`, Severity: 0.98},
			},
		},
		{
			Name:     "jwt",
			Class:    ClassCredential,
			Severity: 0.85,
			Rules: []Rule{
				{Name: "three_part", Expr: `\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\b`, Severity: 0.85},
			},
		},
		{
			Name:     "password_assignment",
			Class:    ClassCredential,
			Severity: 0.8,
			Rules: []Rule{
				{Name: "keyvalue", Expr: `(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{6,}`, Severity: 0.8},
			},
		},
		{
			Name:     "generic_secret",
			Class:    ClassCredential,
			Severity: 0.85,
			Rules: []Rule{
				{Name: "keyvalue", Expr: `(?i)\b(?:api[_\-]?key|secret[_\-]?key|access[_\-]?token|auth[_\-]?token)\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}`, Severity: 0.85},
				{Name: "bearer", Expr: `(?i)\bbearer\s+[A-Za-z0-9_\-.=]{20,}`, Severity: 0.8},
			},
		},

		// ==================================================================
		// Infrastructure class: output-side topology exposure
		// ==================================================================
		{
			Name:     "internal_ip",
			Class:    ClassInfrastructure,
			Severity: 0.75,
			Rules: []Rule{
				{Name: "rfc1918", Expr: `\b(?:10\.\d{1,3}\.\d{1,3}\.\d{1,3}|192\.168\.\d{1,3}\.\d{1,3}|172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3})\b`, Severity: 0.75},
				{Name: "loopback_url", Expr: `(?i)\bhttps?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0)(?::\d+)?`, Severity: 0.7},
			},
		},
		{
			Name:     "cloud_metadata",
			Class:    ClassInfrastructure,
			Severity: 0.9,
			Rules: []Rule{
				{Name: "aws_imds", Expr: `\b169\.254\.169\.254\b`, Severity: 0.9},
				{Name: "gcp_metadata", Expr: `(?i)\bmetadata\.google\.internal\b`, Severity: 0.9},
			},
		},
		{
			Name:     "connection_string",
			Class:    ClassInfrastructure,
			Severity: 0.85,
			Rules: []Rule{
				{Name: "dsn", Expr: `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?)://[^\s'"]+`, Severity: 0.85},
			},
		},
		{
			Name:     "internal_hostname",
			Class:    ClassInfrastructure,
			Severity: 0.7,
			Rules: []Rule{
				{Name: "private_tld", Expr: `(?i)\b[a-z0-9][a-z0-9\-]*\.(?:internal|corp|intranet|lan)\b`, Severity: 0.7},
			},
		},
		{
			Name:     "env_secrets",
			Class:    ClassInfrastructure,
			Severity: 0.8,
			Rules: []Rule{
				{Name: "dotenv_line", Expr: `(?m)^\s*(?:AWS_SECRET_ACCESS_KEY|DATABASE_URL|[A-Z0-9_]*PASSWORD|[A-Z0-9_]*SECRET[A-Z0-9_]*)=\S+`, Severity: 0.8},
			},
		},
	}
}
