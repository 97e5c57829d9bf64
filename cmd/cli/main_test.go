package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.viam.com/rdk/logging"
)

type fakeCommander struct {
	commands []string
}

func (f *fakeCommander) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	f.commands = append(f.commands, cmd["command"].(string))
	return map[string]interface{}{"views": len(f.commands), "solved": false, "state": "terminated"}, nil
}

func TestRunSessionStopBeforeAnySample(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sess := &fakeCommander{}
	var out bytes.Buffer

	err := runSession(context.Background(), logger, sess, strings.NewReader("y\n"), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.commands) != 1 || sess.commands[0] != "stop" {
		t.Errorf("expected only a stop command, got %v", sess.commands)
	}
	if !strings.Contains(out.String(), "Press y to end calibration") {
		t.Errorf("expected prompt before any input was consumed, got %q", out.String())
	}
}

func TestRunSessionPromptsBeforeEachSample(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sess := &fakeCommander{}
	var out bytes.Buffer

	err := runSession(context.Background(), logger, sess, strings.NewReader("\n\ny\n"), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"sample", "sample", "stop"}
	if len(sess.commands) != len(want) {
		t.Fatalf("expected commands %v, got %v", want, sess.commands)
	}
	for i, cmd := range want {
		if sess.commands[i] != cmd {
			t.Errorf("command %d: expected %q, got %q", i, cmd, sess.commands[i])
		}
	}
	if got := strings.Count(out.String(), "Press y"); got != 3 {
		t.Errorf("expected 3 prompts, got %d", got)
	}
}

func TestRunSessionStopsOnInputEnd(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sess := &fakeCommander{}
	var out bytes.Buffer

	err := runSession(context.Background(), logger, sess, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sess.commands) != 1 || sess.commands[0] != "stop" {
		t.Errorf("expected only a stop command on EOF, got %v", sess.commands)
	}
}
