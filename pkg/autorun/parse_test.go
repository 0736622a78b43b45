package autorun

import (
	"testing"
)

func TestParseShellCommand(t *testing.T) {
	text := "I'll check the directory first.\n```bash\nls -la\n```\nThen we can proceed."
	segments := ParseResponse(text)

	command, ok := FirstShellCommand(segments)
	if !ok || command != "ls -la" {
		t.Fatalf("FirstShellCommand = %q (ok=%v), want %q", command, ok, "ls -la")
	}
	if segments[0].Kind != SegmentPlainText {
		t.Errorf("first segment kind = %s, want plain_text", segments[0].Kind)
	}
}

func TestParseFirstCommandWins(t *testing.T) {
	text := "```\necho one\n```\n```\necho two\n```"
	command, ok := FirstShellCommand(ParseResponse(text))
	if !ok || command != "echo one" {
		t.Fatalf("FirstShellCommand = %q, want the first block", command)
	}
}

func TestParseSentinel(t *testing.T) {
	text := "I need more information.\n[ASK_USER] Which database should I target?"
	segments := ParseResponse(text)

	s, ok := FirstSentinel(segments)
	if !ok {
		t.Fatal("sentinel not found")
	}
	if s.Sentinel != SentinelAskUser {
		t.Errorf("sentinel = %s, want ASK_USER", s.Sentinel)
	}
	if s.Text != "Which database should I target?" {
		t.Errorf("trailing text = %q", s.Text)
	}
}

func TestParseSentinelKinds(t *testing.T) {
	for _, sentinel := range []string{SentinelWait, SentinelAskUser, SentinelNeedHelp} {
		segments := ParseResponse("[" + sentinel + "]")
		s, ok := FirstSentinel(segments)
		if !ok || s.Sentinel != sentinel {
			t.Errorf("sentinel %s not parsed", sentinel)
		}
	}
}

func TestParseToolCalls(t *testing.T) {
	text := "[READ_FILE: config.yaml]\n[LIST_FILES: src]"
	calls := ToolCalls(ParseResponse(text))

	if len(calls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(calls))
	}
	if calls[0].Verb != VerbReadFile || calls[0].Argument != "config.yaml" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Verb != VerbListFiles || calls[1].Argument != "src" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestParseWriteFileWithContent(t *testing.T) {
	text := "[WRITE_FILE: hello.txt]\n```\nhello world\nsecond line\n```"
	calls := ToolCalls(ParseResponse(text))

	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.Verb != VerbWriteFile || !call.HasContent {
		t.Fatalf("call = %+v, want WRITE_FILE with content", call)
	}
	if call.Content != "hello world\nsecond line" {
		t.Errorf("content = %q", call.Content)
	}

	// The fenced block was consumed as content, not as a command.
	if _, ok := FirstShellCommand(ParseResponse(text)); ok {
		t.Error("content block must not surface as a shell command")
	}
}

func TestParseWriteFileWithoutContent(t *testing.T) {
	calls := ToolCalls(ParseResponse("[WRITE_FILE: empty.txt]"))
	if len(calls) != 1 || calls[0].HasContent {
		t.Fatalf("calls = %+v, want WRITE_FILE without content", calls)
	}
}

func TestParseUnterminatedFence(t *testing.T) {
	text := "```\necho unfinished"
	command, ok := FirstShellCommand(ParseResponse(text))
	if !ok || command != "echo unfinished" {
		t.Fatalf("unterminated fence command = %q (ok=%v)", command, ok)
	}
}

func TestParseEmptyFence(t *testing.T) {
	segments := ParseResponse("```\n```")
	if len(segments) != 0 {
		t.Fatalf("segments = %+v, want none for empty block", segments)
	}
}

func TestParsePlainTextOnly(t *testing.T) {
	segments := ParseResponse("Just thinking out loud about the problem.")
	if len(segments) != 1 || segments[0].Kind != SegmentPlainText {
		t.Fatalf("segments = %+v", segments)
	}
	if _, ok := FirstSentinel(segments); ok {
		t.Error("no sentinel expected")
	}
	if _, ok := FirstShellCommand(segments); ok {
		t.Error("no command expected")
	}
}
