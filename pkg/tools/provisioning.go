package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/billm/simpilot/pkg/types"
)

// invocation is a simctl command line plus anything to report or clean up
type invocation struct {
	args    []string
	extra   map[string]any
	cleanup func()
}

type buildFunc func(args map[string]any) (*invocation, error)

func stringArg(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

func numberArg(args map[string]any, name string) float64 {
	f, _ := args[name].(float64)
	return f
}

func buildListDevices(map[string]any) (*invocation, error) {
	return &invocation{args: []string{"list", "devices", "--json"}}, nil
}

func buildBoot(args map[string]any) (*invocation, error) {
	return &invocation{args: []string{"boot", stringArg(args, DeviceArg)}}, nil
}

func buildShutdown(args map[string]any) (*invocation, error) {
	return &invocation{args: []string{"shutdown", stringArg(args, DeviceArg)}}, nil
}

func buildInstallApp(args map[string]any) (*invocation, error) {
	return &invocation{args: []string{"install", stringArg(args, DeviceArg), stringArg(args, "app_path")}}, nil
}

func buildLaunchApp(args map[string]any) (*invocation, error) {
	return &invocation{args: []string{"launch", stringArg(args, DeviceArg), stringArg(args, "bundle_id")}}, nil
}

func buildOpenURL(args map[string]any) (*invocation, error) {
	return &invocation{args: []string{"openurl", stringArg(args, DeviceArg), stringArg(args, "url")}}, nil
}

func buildScreenshot(args map[string]any) (*invocation, error) {
	device := stringArg(args, DeviceArg)
	path := stringArg(args, "output_path")
	if path == "" {
		path = filepath.Join(os.TempDir(),
			fmt.Sprintf("simpilot-%s-%s.png", device, time.Now().Format("20060102-150405.000")))
	}
	return &invocation{
		args:  []string{"io", device, "screenshot", path},
		extra: map[string]any{"output_path": path},
	}, nil
}

func buildSetLocation(args map[string]any) (*invocation, error) {
	coords := strconv.FormatFloat(numberArg(args, "latitude"), 'f', -1, 64) + "," +
		strconv.FormatFloat(numberArg(args, "longitude"), 'f', -1, 64)
	return &invocation{args: []string{"location", stringArg(args, DeviceArg), "set", coords}}, nil
}

// buildSendPush writes the payload to a temporary .apns file for simctl
func buildSendPush(args map[string]any) (*invocation, error) {
	payload, err := json.Marshal(args["payload"])
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to encode push payload", err)
	}

	f, err := os.CreateTemp("", "simpilot-push-*.apns")
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create push payload file", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, types.WrapError(types.ErrCodeInternal, "failed to write push payload file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, types.WrapError(types.ErrCodeInternal, "failed to write push payload file", err)
	}

	return &invocation{
		args:    []string{"push", stringArg(args, DeviceArg), stringArg(args, "bundle_id"), f.Name()},
		cleanup: func() { os.Remove(f.Name()) },
	}, nil
}
