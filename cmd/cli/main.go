// Interactive driver for a running eye-in-hand calibration session.
// Connects to the machine from the environment, then samples a view each
// time the operator presses a key, until they end the session.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/erh/vmodutils"

	"go.viam.com/rdk/logging"
	genericservice "go.viam.com/rdk/services/generic"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	ctx := context.Background()
	logger := logging.NewLogger("cli")

	sessionName := "calibration-session"
	if len(os.Args) > 1 {
		sessionName = os.Args[1]
	}

	machine, err := vmodutils.ConnectToMachineFromEnv(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to machine: %w", err)
	}
	defer machine.Close(ctx)

	sess, err := machine.ResourceByName(genericservice.Named(sessionName))
	if err != nil {
		return fmt.Errorf("failed to get calibration session %q: %w", sessionName, err)
	}

	return runSession(ctx, logger, sess, os.Stdin, os.Stdout)
}

type commander interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// runSession drives the operator loop. No view is taken without the operator
// asking for one: each iteration blocks on the prompt first, then either ends
// the session or samples.
func runSession(ctx context.Context, logger logging.Logger, sess commander, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Press y to end calibration, or any other key to continue: ")
		if !scanner.Scan() {
			break
		}
		if scanner.Text() == "y" {
			break
		}

		res, err := sess.DoCommand(ctx, map[string]interface{}{"command": "sample"})
		if err != nil {
			logger.Errorf("sample failed: %v", err)
			continue
		}
		logger.Infof("views: %v solved: %v", res["views"], res["solved"])
		if solveErr, ok := res["error"]; ok {
			logger.Warnf("solve attempt failed: %v", solveErr)
		}
	}

	res, err := sess.DoCommand(ctx, map[string]interface{}{"command": "stop"})
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	logger.Infof("session %v with %v views", res["state"], res["views"])
	return nil
}
