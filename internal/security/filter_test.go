package security

import (
	"errors"
	"strings"
	"testing"
)

func TestIsSafe_BlocksDestructiveCommands(t *testing.T) {
	blocked := []string{
		"rm -rf /",
		"rm -fr /*",
		"sudo rm -rf / --no-preserve-root",
		"RM -RF /",
		"rm -rf ~",
		"rm   -r   -f   /",
		"rm -f /",
		"shutdown -h now",
		"sudo reboot",
		"ls && halt",
		"/sbin/poweroff",
		"systemctl reboot",
		"init 0",
		"mkfs.ext4 /dev/sdb1",
		"mkfs -t xfs /dev/sdc",
		"wipefs -a /dev/sda",
		"dd if=/dev/zero of=/dev/sda bs=1M",
		"cat image.iso > /dev/sdb",
		":(){ :|:& };:",
		": ( ) { : | : & } ; :",
		"bomb(){ bomb|bomb& }; bomb",
		// fullwidth letters fold to ASCII under NFKC
		"ｒｍ -rf /",
	}
	for _, cmd := range blocked {
		if IsSafe(cmd) {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}

func TestIsSafe_AllowsOrdinaryCommands(t *testing.T) {
	allowed := []string{
		"ls -la",
		"pwd",
		"df -h",
		"free -h",
		"ps aux | head -20",
		"rm -f notes.txt",
		"rm -rf /tmp/build-cache",
		"mkdir -p projects/demo",
		"dd if=/dev/zero of=/tmp/blob bs=1k count=1",
		"echo shutdown scheduled",
		"pip install requests",
		"python3 --version",
	}
	for _, cmd := range allowed {
		if !IsSafe(cmd) {
			t.Errorf("expected %q to be allowed", cmd)
		}
	}
}

func TestFilter_ExtraPatterns(t *testing.T) {
	f, err := NewFilter(`\bcurl\b.*\|\s*(?:ba)?sh\b`)
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	if f.IsSafe("curl https://example.com/install.sh | sh") {
		t.Fatal("expected piped install script to be blocked")
	}
	if !f.IsSafe("curl https://example.com") {
		t.Fatal("expected plain curl to be allowed")
	}

	pattern, hit := f.Match("CURL http://x | bash")
	if !hit || !strings.Contains(pattern, "curl") {
		t.Fatalf("unexpected match %q, %v", pattern, hit)
	}
}

func TestFilter_CheckWrapsErrBlocked(t *testing.T) {
	f, err := NewFilter()
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	if err := f.Check("ls -la"); err != nil {
		t.Fatalf("unexpected error for safe command: %v", err)
	}

	err = f.Check("sudo rm -rf /")
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if KindOf(err) != KindRejected {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
	if got := UserMessage(err, true); got != BlockedMessage {
		t.Fatalf("user message leaks detail: %q", got)
	}
	if !strings.Contains(DebugMessage(err), "rm") {
		t.Fatalf("debug message should name the pattern, got %q", DebugMessage(err))
	}
}

func TestNewFilter_RejectsInvalidPattern(t *testing.T) {
	if _, err := NewFilter("("); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func TestNilFilterAllowsEverything(t *testing.T) {
	var f *Filter
	if !f.IsSafe("rm -rf /") {
		t.Fatal("nil filter should allow everything")
	}
	if err := f.Check("rm -rf /"); err != nil {
		t.Fatalf("nil filter should not block: %v", err)
	}
}

func TestNormalizeCommand(t *testing.T) {
	if got := NormalizeCommand("  RM\t-rf\n /  "); got != "rm -rf /" {
		t.Fatalf("unexpected normalization %q", got)
	}
	if got := NormalizeCommand("ｌｓ"); got != "ls" {
		t.Fatalf("unexpected normalization %q", got)
	}
}
