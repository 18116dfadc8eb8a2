package control

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rontubot/rondesk/internal/directive"
)

// Commands understood by the assistant's control listener.
const (
	CmdStatus               = "STATUS"
	CmdStart                = "START"
	CmdStop                 = "STOP"
	CmdPause                = "PAUSE"
	CmdResume               = "RESUME"
	CmdStartManualRecording = "START_MANUAL_RECORDING"
	CmdStopManualRecording  = "STOP_MANUAL_RECORDING"

	PrefixChat = "CHAT::"
	PrefixAsk  = "ASK::"
	PrefixExec = "EXEC::"

	ReplyRecordingStarted = "RECORDING_STARTED"
	ReplyRecordingStopped = "RECORDING_STOPPED"
)

var listeningReply = regexp.MustCompile(`(?i)ACTIVE|LISTENING|READY`)

// IsListening interprets a STATUS reply.
func IsListening(reply string) bool {
	return listeningReply.MatchString(reply)
}

// Status performs a STATUS round-trip and reports whether the assistant is listening.
func (c *Client) Status(ctx context.Context) (bool, error) {
	reply, err := c.Send(ctx, CmdStatus)
	if err != nil {
		return false, err
	}
	return IsListening(reply), nil
}

// SetListening pauses or resumes listening. PAUSE/RESUME is preferred; older
// launchers only know STOP/START, which are tried when the first command fails.
func (c *Client) SetListening(ctx context.Context, listen bool) error {
	primary, legacy := CmdPause, CmdStop
	if listen {
		primary, legacy = CmdResume, CmdStart
	}

	_, err := c.Send(ctx, primary)
	if err == nil {
		return nil
	}
	c.logger.Info("falling back to legacy listen command", "command", legacy, "error", err)

	if _, err := c.Send(ctx, legacy); err != nil {
		return fmt.Errorf("changing listen state: %w", err)
	}
	return nil
}

// StartRecording begins a manual recording; only RECORDING_STARTED counts as success.
func (c *Client) StartRecording(ctx context.Context) error {
	return c.expect(ctx, CmdStartManualRecording, ReplyRecordingStarted)
}

// StopRecording ends a manual recording; only RECORDING_STOPPED counts as success.
func (c *Client) StopRecording(ctx context.Context) error {
	return c.expect(ctx, CmdStopManualRecording, ReplyRecordingStopped)
}

func (c *Client) expect(ctx context.Context, command, want string) error {
	reply, err := c.Send(ctx, command)
	if err != nil {
		return err
	}
	if reply != want {
		return fmt.Errorf("%w: %s replied %q, want %q", ErrUnexpectedReply, command, reply, want)
	}
	return nil
}

// Chat sends free text for a reply; used when no remote API is reachable.
func (c *Client) Chat(ctx context.Context, text string) (string, error) {
	return c.Send(ctx, PrefixChat+text)
}

// Ask is the one-shot query variant of Chat.
func (c *Client) Ask(ctx context.Context, text string) (string, error) {
	return c.Send(ctx, PrefixAsk+text)
}

// ExecPayload encodes a directive batch the way EXEC:: expects it.
func ExecPayload(ds []directive.Directive) (string, error) {
	data, err := json.Marshal(struct {
		Commands []directive.Directive `json:"commands"`
	}{Commands: ds})
	if err != nil {
		return "", fmt.Errorf("encoding commands: %w", err)
	}
	return string(data), nil
}

// Exec forwards a directive batch; any reply is an acknowledgement.
func (c *Client) Exec(ctx context.Context, ds []directive.Directive) (string, error) {
	payload, err := ExecPayload(ds)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, PrefixExec+payload)
}
