package interpreter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpret_DefaultRules(t *testing.T) {
	in := NewDefault()
	cases := []struct {
		text    string
		command string
		desc    string
	}{
		{"list files", "ls -la", "List files"},
		{"  List Files  ", "ls -la", "List files"},
		{"show me all files", "ls -la", "List files"},
		{"list files in src", "ls -la src", "List files in a directory"},
		{"what's my python version", "python3 --version", "Show Python version"},
		{"where am i", "pwd", "Show current directory"},
		{"how much disk space is left", "df -h", "Show disk usage"},
		{"memory usage please", "free -h", "Show memory usage"},
		{"show running processes", "ps aux | head -20", "Show running processes"},
		{"system info", "uname -a", "Show system information"},
		{"what is my ip address", "ip addr show", "Show network interfaces"},
		{"install requests", "pip install requests", "Install a Python package"},
		{"pip install the package numpy", "pip install numpy", "Install a Python package"},
		{"create a folder named demo", "mkdir -p demo", "Create a directory"},
		{"delete file notes.txt", "rm -f notes.txt", "Remove a file"},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got, ok := in.Interpret(tc.text)
			require.True(t, ok)
			assert.Equal(t, tc.command, got.Command)
			assert.Equal(t, tc.desc, got.Description)
			assert.False(t, got.Direct)
		})
	}
}

func TestInterpret_NoMatch(t *testing.T) {
	in := NewDefault()
	for _, text := range []string{"", "   ", "tell me a joke", "what is the capital of france"} {
		_, ok := in.Interpret(text)
		assert.Falsef(t, ok, "expected no match for %q", text)
	}
}

func TestInterpret_DirectMarkers(t *testing.T) {
	in := NewDefault()
	cases := map[string]string{
		"/cmd ls -la /Var":     "ls -la /Var",
		"/terminal echo Hello": "echo Hello",
		"$ rm -rf /":           "rm -rf /",
		"> uptime":             "uptime",
		"  /CMD whoami":        "whoami",
	}
	for text, want := range cases {
		got, ok := in.Interpret(text)
		require.Truef(t, ok, "expected direct command for %q", text)
		assert.Equal(t, want, got.Command)
		assert.True(t, got.Direct)
		assert.Equal(t, DirectDescription, got.Description)
		assert.Equal(t, -1, got.Rule)
	}

	_, ok := in.Interpret("/cmd")
	assert.False(t, ok, "marker with no command must not match")
	_, ok = in.Interpret("/cmd    ")
	assert.False(t, ok)
}

func TestInterpret_MarkersDisabled(t *testing.T) {
	in := NewDefault(WithMarkers(nil))
	_, ok := in.Interpret("$ rm -rf /")
	assert.False(t, ok)
}

// Every capture group lands in the template trimmed, at its own placeholder.
func TestInterpret_PlaceholderSubstitution(t *testing.T) {
	rules, err := Compile([]RuleSpec{{
		Patterns:    []string{`^copy\s+(.+?)\s+to\s+(.+)$`},
		Template:    "cp {1} {2} && ls {2}",
		Description: "Copy a file",
	}})
	require.NoError(t, err)
	in := New(rules)

	got, ok := in.Interpret("copy   a.txt    to   backup/  ")
	require.True(t, ok)
	assert.Equal(t, "cp a.txt backup/ && ls backup/", got.Command)
	assert.Equal(t, "Copy a file", got.Description)
	assert.Equal(t, 0, got.Rule)
}

func TestInterpret_CapturesKeepOriginalCase(t *testing.T) {
	in := NewDefault()
	got, ok := in.Interpret("create a folder named Reports")
	require.True(t, ok)
	assert.Equal(t, "mkdir -p Reports", got.Command)
}

func TestInterpret_QuotesShellMetacharacters(t *testing.T) {
	in := NewDefault()

	got, ok := in.Interpret("delete file x; reboot")
	require.True(t, ok)
	assert.Equal(t, "rm -f 'x;' reboot", got.Command)

	got, ok = in.Interpret("list files in $(id)")
	require.True(t, ok)
	assert.Equal(t, "ls -la '$(id)'", got.Command)

	got, ok = in.Interpret("install it's-here")
	require.True(t, ok)
	assert.Equal(t, `pip install 'it'\''s-here'`, got.Command)
}

func TestInterpret_MultiWordCaptureKeepsSeparateArguments(t *testing.T) {
	in := NewDefault()

	got, ok := in.Interpret("install numpy pandas")
	require.True(t, ok)
	assert.Equal(t, "pip install numpy pandas", got.Command)

	got, ok = in.Interpret("create a folder named My   Project")
	require.True(t, ok)
	assert.Equal(t, "mkdir -p My Project", got.Command)
}

// An empty capture makes that pattern miss; evaluation continues with the
// next rule instead of producing a command with a hole in it.
func TestInterpret_EmptyCaptureFallsThrough(t *testing.T) {
	rules, err := Compile([]RuleSpec{
		{Patterns: []string{`^say(.*)$`}, Template: "echo {1}", Description: "Echo"},
		{Patterns: []string{`^say`}, Template: "echo nothing to say", Description: "Empty echo"},
	})
	require.NoError(t, err)
	in := New(rules)

	got, ok := in.Interpret("say   ")
	require.True(t, ok)
	assert.Equal(t, "Empty echo", got.Description)

	got, ok = in.Interpret("say hi")
	require.True(t, ok)
	assert.Equal(t, "echo hi", got.Command)
}

// Two rules that both match: the earlier one wins, in either order.
func TestInterpret_RuleOrderDeterminism(t *testing.T) {
	generic := RuleSpec{Patterns: []string{`\bfiles\b`}, Template: "ls", Description: "generic"}
	specific := RuleSpec{Patterns: []string{`files\s+in\s+(\S+)`}, Template: "ls {1}", Description: "specific"}

	first, err := Compile([]RuleSpec{generic, specific})
	require.NoError(t, err)
	got, ok := New(first).Interpret("files in docs")
	require.True(t, ok)
	assert.Equal(t, "generic", got.Description)
	assert.Equal(t, "ls", got.Command)

	second, err := Compile([]RuleSpec{specific, generic})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		got, ok = New(second).Interpret("files in docs")
		require.True(t, ok)
		assert.Equal(t, "specific", got.Description)
		assert.Equal(t, "ls docs", got.Command)
	}
}

func TestInterpret_DefaultOverlapResolvedByOrder(t *testing.T) {
	in := NewDefault()
	got, ok := in.Interpret("what is in the current directory")
	require.True(t, ok)
	assert.Equal(t, "ls -la", got.Command)
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile([]RuleSpec{{Patterns: []string{"("}, Template: "x"}})
	assert.Error(t, err)

	_, err = Compile([]RuleSpec{{Patterns: []string{"a"}, Template: ""}})
	assert.Error(t, err)

	_, err = Compile([]RuleSpec{{Template: "x"}})
	assert.Error(t, err)

	_, err = Compile([]RuleSpec{{Patterns: []string{`^go (\w+)$`}, Template: "go {2}"}})
	assert.Error(t, err, "template referencing a missing group must be rejected")
}

func TestDescriptions(t *testing.T) {
	d := NewDefault().Descriptions()
	require.Len(t, d, len(DefaultRules()))
	assert.Equal(t, "Show Python version", d[0])
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "file.txt", ShellQuote("file.txt"))
	assert.Equal(t, "~/src/app", ShellQuote("~/src/app"))
	assert.Equal(t, "'a b'", ShellQuote("a b"))
	assert.Equal(t, "'$(id)'", ShellQuote("$(id)"))
}
