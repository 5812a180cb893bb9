package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Channel is the user-interaction capability: plain messages out,
// questions and approvals in.
type Channel interface {
	SendText(ctx context.Context, text string) error
	AskText(ctx context.Context, prompt string) (string, error)
	AskApproval(ctx context.Context, prompt string) (bool, error)
}

// ConsoleChannel talks to a terminal: messages to stdout, answers read
// line-by-line from stdin.
type ConsoleChannel struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleChannel creates a channel on stdin/stdout.
func NewConsoleChannel() *ConsoleChannel {
	return &ConsoleChannel{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

func (c *ConsoleChannel) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *ConsoleChannel) AskText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, "%s ", prompt); err != nil {
		return "", err
	}
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *ConsoleChannel) AskApproval(ctx context.Context, prompt string) (bool, error) {
	answer, err := c.AskText(ctx, prompt+" [y/n]")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// ScriptChannel replays queued answers, for tests and non-interactive
// examples. Sent messages are recorded.
type ScriptChannel struct {
	mu      sync.Mutex
	replies []string
	sent    []string
}

// NewScriptChannel creates a channel that answers questions from
// replies in order.
func NewScriptChannel(replies ...string) *ScriptChannel {
	return &ScriptChannel{replies: replies}
}

func (s *ScriptChannel) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *ScriptChannel) AskText(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, prompt)
	if len(s.replies) == 0 {
		return "", errors.New("script channel: no reply queued")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *ScriptChannel) AskApproval(ctx context.Context, prompt string) (bool, error) {
	answer, err := s.AskText(ctx, prompt)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "true", "approve":
		return true, nil
	default:
		return false, nil
	}
}

// Sent returns a copy of everything sent or asked so far.
func (s *ScriptChannel) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}
