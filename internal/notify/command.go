package notify

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/wudi/warden/internal/config"
	"github.com/wudi/warden/internal/errors"
)

// Notification is one outbound message.
type Notification struct {
	Type     string
	Title    string
	Body     string
	Severity string
	Tag      string
}

// Sender delivers notifications to the outside world.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// CommandSender shells out to a configured notification command (an
// apprise-style CLI). The command is opaque: exit 0 with a silent stderr
// is the only success signal.
type CommandSender struct {
	command string
	urls    []string
	tag     string
	timeout time.Duration
}

func NewCommandSender(cfg config.NotificationsConfig) *CommandSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CommandSender{
		command: cfg.Command,
		urls:    cfg.URLs,
		tag:     cfg.Tag,
		timeout: timeout,
	}
}

func (c *CommandSender) Send(ctx context.Context, n Notification) error {
	if strings.TrimSpace(c.command) == "" {
		return errors.Validation("notify_command_missing", "no notification command configured")
	}

	args := []string{"--notification-type", n.Type}
	tag := n.Tag
	if tag == "" {
		tag = c.tag
	}
	if tag != "" {
		args = append(args, "--tag", tag)
	}
	args = append(args, "--title", n.Title, "--body", n.Body)
	args = append(args, c.urls...)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := "notification command failed"
		if out := strings.TrimSpace(stderr.String()); out != "" {
			msg = out
		}
		return errors.Transient(err, "notify_command_failed", msg)
	}
	// Some notification CLIs exit 0 but report per-URL failures on stderr.
	if out := strings.TrimSpace(stderr.String()); out != "" {
		return errors.Transient(nil, "notify_command_stderr", out)
	}
	return nil
}
