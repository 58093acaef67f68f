package interpreter

// DefaultMarkers are the prefixes that make the rest of the input a literal
// command.
var DefaultMarkers = []string{"/cmd ", "/terminal ", "$ ", "> "}

// DefaultRules returns the built-in rule table. Patterns see lowercased,
// trimmed input. Parameterised rules sit above the generic rule they overlap
// with.
func DefaultRules() []RuleSpec {
	return []RuleSpec{
		{
			Patterns:    []string{`\bpython\s+version\b`, `\bwhich\s+python\b`, `\bversion\s+of\s+python\b`},
			Template:    "python3 --version",
			Description: "Show Python version",
		},
		{
			Patterns:    []string{`^(?:please\s+)?(?:pip\s+)?install\s+(?:the\s+)?(?:python\s+)?(?:package\s+)?(.+)$`},
			Template:    "pip install {1}",
			Description: "Install a Python package",
		},
		{
			Patterns:    []string{`(?:create|make)\s+(?:a\s+)?(?:new\s+)?(?:directory|folder|dir)\s+(?:called\s+|named\s+)?(.+)$`},
			Template:    "mkdir -p {1}",
			Description: "Create a directory",
		},
		{
			Patterns:    []string{`(?:remove|delete)\s+(?:the\s+)?file\s+(?:called\s+|named\s+)?(.+)$`},
			Template:    "rm -f {1}",
			Description: "Remove a file",
		},
		{
			Patterns:    []string{`(?:list|show)\s+(?:me\s+)?(?:all\s+)?files\s+in\s+(.+)$`},
			Template:    "ls -la {1}",
			Description: "List files in a directory",
		},
		{
			Patterns:    []string{`\blist\s+(?:all\s+)?files\b`, `\bshow\s+(?:me\s+)?(?:all\s+)?files\b`, `^ls$`, `\bwhat(?:'s|\s+is)\s+in\s+(?:this|the\s+current)\s+(?:directory|folder)\b`},
			Template:    "ls -la",
			Description: "List files",
		},
		{
			Patterns:    []string{`^pwd$`, `\b(?:current|working)\s+directory\b`, `\bwhere\s+am\s+i\b`},
			Template:    "pwd",
			Description: "Show current directory",
		},
		{
			Patterns:    []string{`\bdisk\s+(?:space|usage)\b`, `^df$`},
			Template:    "df -h",
			Description: "Show disk usage",
		},
		{
			Patterns:    []string{`\bmemory\b`, `\bfree\s+ram\b`, `\bram\s+usage\b`},
			Template:    "free -h",
			Description: "Show memory usage",
		},
		{
			Patterns:    []string{`\b(?:running\s+)?processes\b`, `^ps$`},
			Template:    "ps aux | head -20",
			Description: "Show running processes",
		},
		{
			Patterns:    []string{`\bsystem\s+info(?:rmation)?\b`, `\bkernel\s+version\b`, `^uname$`},
			Template:    "uname -a",
			Description: "Show system information",
		},
		{
			Patterns:    []string{`\bip\s+address(?:es)?\b`, `\bnetwork\s+(?:interfaces|info)\b`, `^ip\s+addr$`},
			Template:    "ip addr show",
			Description: "Show network interfaces",
		},
		{
			Patterns:    []string{`^uptime$`, `\bhow\s+long\s+has\s+(?:the\s+)?(?:system|machine|server)\s+been\s+(?:up|running)\b`},
			Template:    "uptime",
			Description: "Show system uptime",
		},
	}
}
