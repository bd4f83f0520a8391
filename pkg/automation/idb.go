package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/command"
	"github.com/billm/simpilot/pkg/types"
)

// IDB implements Automator with the idb command-line client
type IDB struct {
	exec     command.Executor
	deviceID string
	logger   *logger.Logger
}

// NewIDB creates an automator for deviceID that shells out through exec
func NewIDB(exec command.Executor, deviceID string, log *logger.Logger) (*IDB, error) {
	if exec == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "executor cannot be nil")
	}
	if deviceID == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "device id cannot be empty")
	}
	log = logger.OrDefault(log)

	return &IDB{
		exec:     exec,
		deviceID: deviceID,
		logger:   log.With("component", "idb", "device_id", deviceID),
	}, nil
}

// Tap taps the screen at a point
func (a *IDB) Tap(ctx context.Context, at Point) error {
	_, err := a.ui(ctx, "tap", coord(at.X), coord(at.Y))
	return err
}

// Swipe drags from one point to another
func (a *IDB) Swipe(ctx context.Context, from, to Point, duration time.Duration) error {
	args := []string{"swipe", coord(from.X), coord(from.Y), coord(to.X), coord(to.Y)}
	if duration > 0 {
		args = append(args, "--duration", strconv.FormatFloat(duration.Seconds(), 'f', -1, 64))
	}
	_, err := a.ui(ctx, args...)
	return err
}

// TypeText types text into the focused element
func (a *IDB) TypeText(ctx context.Context, text string) error {
	_, err := a.ui(ctx, "text", text)
	return err
}

// DescribeUI returns the accessibility tree of the whole screen
func (a *IDB) DescribeUI(ctx context.Context) (json.RawMessage, error) {
	out, err := a.ui(ctx, "describe-all", "--json")
	if err != nil {
		return nil, err
	}
	return jsonOutput(out)
}

// DescribePoint returns the accessibility element at a point
func (a *IDB) DescribePoint(ctx context.Context, at Point) (json.RawMessage, error) {
	out, err := a.ui(ctx, "describe-point", "--json", coord(at.X), coord(at.Y))
	if err != nil {
		return nil, err
	}
	return jsonOutput(out)
}

// PressButton presses a hardware button
func (a *IDB) PressButton(ctx context.Context, button string) error {
	button = strings.ToUpper(button)
	if !IsButton(button) {
		return types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unsupported button: %s", button))
	}
	_, err := a.ui(ctx, "button", button)
	return err
}

// ui runs "idb ui <args> --udid <device>" and returns stdout
func (a *IDB) ui(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"ui"}, args...)
	full = append(full, "--udid", a.deviceID)

	res, err := a.exec.Run(ctx, full...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		a.logger.Warn("idb command failed", "action", args[0], "exit_code", res.ExitCode, "stderr", res.Stderr)
		return "", types.NewError(types.ErrCodeCommandFailed,
			fmt.Sprintf("idb ui %s exited with status %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return res.Stdout, nil
}

// coord formats a coordinate the way idb expects: whole points
func coord(v float64) string {
	return strconv.FormatInt(int64(math.Round(v)), 10)
}

// jsonOutput validates that command output is JSON. idb sometimes emits one
// object per line, which is folded into an array.
func jsonOutput(out string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(out))
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}

	var items []json.RawMessage
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, types.NewError(types.ErrCodeInternal, "idb returned output that is not JSON")
		}
		items = append(items, json.RawMessage(line))
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode idb output", err)
	}
	return data, nil
}
