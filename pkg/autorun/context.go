package autorun

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoder *tiktoken.Tiktoken
	encoderOnce  sync.Once
	encoderErr   error
)

func initTokenEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base covers the models we target well enough for budgeting.
		tokenEncoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// CountTokens counts the tokens in a text, falling back to a bytes/4 estimate
// if the encoder cannot be initialized.
func CountTokens(text string) int {
	if err := initTokenEncoder(); err != nil {
		return estimateTokens(text)
	}
	return len(tokenEncoder.Encode(text, nil, nil))
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// defaultContextBudgetTokens bounds how much accumulated context is sent with
// each model call.
const defaultContextBudgetTokens = 8000

// contextLog accumulates the messages fed to the model: user input, command
// results, tool outputs, and recovery notices. Oldest messages are dropped
// when the token budget is exceeded.
type contextLog struct {
	mu       sync.Mutex
	messages []string
	budget   int
}

func newContextLog(budget int) *contextLog {
	if budget <= 0 {
		budget = defaultContextBudgetTokens
	}
	return &contextLog{budget: budget}
}

func (c *contextLog) Append(message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	c.trimLocked()
}

// trimLocked drops oldest messages until the log fits the budget. The most
// recent message is always kept even if it alone exceeds the budget.
func (c *contextLog) trimLocked() {
	for len(c.messages) > 1 {
		total := 0
		for _, m := range c.messages {
			total += CountTokens(m)
		}
		if total <= c.budget {
			return
		}
		c.messages = c.messages[1:]
	}
}

func (c *contextLog) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *contextLog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}
