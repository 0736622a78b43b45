package autorun

import (
	"regexp"
	"strings"
)

// SegmentKind tags one parsed piece of an LLM response.
type SegmentKind int

const (
	SegmentPlainText SegmentKind = iota
	SegmentSentinel
	SegmentToolCall
	SegmentShellCommand
)

// String returns the segment kind name.
func (k SegmentKind) String() string {
	switch k {
	case SegmentPlainText:
		return "plain_text"
	case SegmentSentinel:
		return "sentinel"
	case SegmentToolCall:
		return "tool_call"
	case SegmentShellCommand:
		return "shell_command"
	default:
		return "unknown"
	}
}

// Sentinel values the model may emit to hand control back to the user.
const (
	SentinelWait     = "WAIT"
	SentinelAskUser  = "ASK_USER"
	SentinelNeedHelp = "NEED_HELP"
)

// ToolVerb identifies a structured tool invocation embedded in response text.
type ToolVerb string

const (
	VerbReadFile  ToolVerb = "READ_FILE"
	VerbWriteFile ToolVerb = "WRITE_FILE"
	VerbListFiles ToolVerb = "LIST_FILES"
	VerbMkdir     ToolVerb = "MKDIR"
)

// ToolCall is one parsed [VERB: argument] invocation. For WRITE_FILE the
// fenced block immediately following the invocation is captured as Content;
// HasContent reports whether that block was present.
type ToolCall struct {
	Verb       ToolVerb
	Argument   string
	Content    string
	HasContent bool
}

// Segment is one tagged piece of a parsed response, in order of occurrence.
type Segment struct {
	Kind     SegmentKind
	Text     string   // PlainText: the text; Sentinel: trailing message
	Sentinel string   // Sentinel kind (WAIT, ASK_USER, NEED_HELP)
	Tool     ToolCall // Valid when Kind == SegmentToolCall
	Command  string   // Valid when Kind == SegmentShellCommand
}

var (
	sentinelPattern  = regexp.MustCompile(`\[(WAIT|ASK_USER|NEED_HELP)\]\s*(.*)`)
	toolCallPattern  = regexp.MustCompile(`\[(READ_FILE|WRITE_FILE|LIST_FILES|MKDIR):\s*([^\]]+)\]`)
	fenceOpenPattern = regexp.MustCompile("^```[a-zA-Z0-9_-]*\\s*$")
)

// ParseResponse tokenizes an LLM response into tagged segments. Fenced code
// blocks become ShellCommand segments unless consumed as WRITE_FILE content.
// The controller applies the fixed processing priority over the segment list;
// the parser only reports what is there, left to right.
func ParseResponse(text string) []Segment {
	var segments []Segment
	lines := strings.Split(text, "\n")

	var plain []string
	flushPlain := func() {
		if len(plain) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(plain, "\n"))
		plain = nil
		if joined != "" {
			segments = append(segments, Segment{Kind: SegmentPlainText, Text: joined})
		}
	}

	i := 0
	for i < len(lines) {
		line := lines[i]

		if fenceOpenPattern.MatchString(strings.TrimSpace(line)) {
			flushPlain()
			body, next := readFencedBlock(lines, i)
			command := strings.TrimSpace(body)
			if command != "" {
				// Attach as content if the previous segment is a WRITE_FILE
				// invocation still waiting for its block.
				if n := len(segments); n > 0 &&
					segments[n-1].Kind == SegmentToolCall &&
					segments[n-1].Tool.Verb == VerbWriteFile &&
					!segments[n-1].Tool.HasContent {
					segments[n-1].Tool.Content = body
					segments[n-1].Tool.HasContent = true
				} else {
					segments = append(segments, Segment{Kind: SegmentShellCommand, Command: command})
				}
			}
			i = next
			continue
		}

		if m := sentinelPattern.FindStringSubmatch(line); m != nil {
			flushPlain()
			segments = append(segments, Segment{
				Kind:     SegmentSentinel,
				Sentinel: m[1],
				Text:     strings.TrimSpace(m[2]),
			})
			i++
			continue
		}

		if matches := toolCallPattern.FindAllStringSubmatch(line, -1); matches != nil {
			flushPlain()
			for _, m := range matches {
				segments = append(segments, Segment{
					Kind: SegmentToolCall,
					Tool: ToolCall{
						Verb:     ToolVerb(m[1]),
						Argument: strings.TrimSpace(m[2]),
					},
				})
			}
			i++
			continue
		}

		plain = append(plain, line)
		i++
	}
	flushPlain()

	return segments
}

// readFencedBlock consumes a fenced block starting at the opening fence line
// and returns its body plus the index of the line after the closing fence.
// An unterminated fence runs to the end of the text.
func readFencedBlock(lines []string, start int) (string, int) {
	var body []string
	i := start + 1
	for i < len(lines) {
		if strings.TrimSpace(lines[i]) == "```" {
			return strings.Join(body, "\n"), i + 1
		}
		body = append(body, lines[i])
		i++
	}
	return strings.Join(body, "\n"), i
}

// FirstSentinel returns the first sentinel segment, if any.
func FirstSentinel(segments []Segment) (Segment, bool) {
	for _, s := range segments {
		if s.Kind == SegmentSentinel {
			return s, true
		}
	}
	return Segment{}, false
}

// ToolCalls returns all tool-call segments in order of occurrence.
func ToolCalls(segments []Segment) []ToolCall {
	var out []ToolCall
	for _, s := range segments {
		if s.Kind == SegmentToolCall {
			out = append(out, s.Tool)
		}
	}
	return out
}

// FirstShellCommand returns the first non-empty shell command segment, if any.
// Later code blocks in the same response are ignored: one command per response.
func FirstShellCommand(segments []Segment) (string, bool) {
	for _, s := range segments {
		if s.Kind == SegmentShellCommand {
			return s.Command, true
		}
	}
	return "", false
}
