package agents

import "testing"

func TestFileBlockParsing(t *testing.T) {
	reply := "Adds the handler and its test.\n\n" +
		"FILE: pkg/server/handler.go\n```go\npackage server\n\nfunc Handle() {}\n```\n" +
		"FILE: pkg/server/handler_test.go\n```\npackage server\n```\n"

	matches := fileBlockRe.FindAllStringSubmatch(reply, -1)
	if len(matches) != 2 {
		t.Fatalf("want 2 blocks, got %d", len(matches))
	}
	if matches[0][1] != "pkg/server/handler.go" {
		t.Fatalf("path %q", matches[0][1])
	}
	if matches[0][2] != "package server\n\nfunc Handle() {}\n" {
		t.Fatalf("content %q", matches[0][2])
	}
	if matches[1][1] != "pkg/server/handler_test.go" {
		t.Fatalf("path %q", matches[1][1])
	}
}

func TestFileBlockIgnoresProse(t *testing.T) {
	reply := "I looked at the code and nothing needs to change."
	if matches := fileBlockRe.FindAllStringSubmatch(reply, -1); len(matches) != 0 {
		t.Fatalf("prose should not match: %v", matches)
	}
}

func TestSummaryLine(t *testing.T) {
	reply := "Renames the flag.\nFILE: main.go\n```\npackage main\n```\n"
	if got := summaryLine(reply); got != "Renames the flag." {
		t.Fatalf("summary %q", got)
	}
	if got := summaryLine("no blocks here"); got != "" {
		t.Fatalf("replies without blocks have no summary, got %q", got)
	}
}

func TestDefaultsRegistrationOrder(t *testing.T) {
	defaults := NewDefaults(nil, nil)
	if len(defaults) != 3 {
		t.Fatalf("want 3 built-ins, got %d", len(defaults))
	}
	if defaults[0].ID() != "chat" || !defaults[2].Autonomous() {
		t.Fatalf("order %q %q %q", defaults[0].ID(), defaults[1].ID(), defaults[2].ID())
	}
}
