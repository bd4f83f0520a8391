package tools

import (
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Target says where a tool runs
type Target int

const (
	// TargetAgent forwards the call to the device's worker at Path
	TargetAgent Target = iota

	// TargetLocal runs the simulator control utility in-process
	TargetLocal
)

// String returns the string representation of the target
func (t Target) String() string {
	switch t {
	case TargetAgent:
		return "agent"
	case TargetLocal:
		return "local"
	default:
		return "unknown"
	}
}

// DeviceArg is the argument naming the target simulator
const DeviceArg = "udid"

// Spec is one entry of the static tool catalog
type Spec struct {
	Name        string
	Title       string
	Description string
	Target      Target
	Schema      *jsonschema.Schema
	ReadOnly    bool

	// Path is the worker route for agent tools
	Path string

	// build turns validated arguments into a command line for local tools
	build buildFunc
}

// Tool renders the entry as an MCP tool definition
func (s *Spec) Tool() *mcp.Tool {
	return &mcp.Tool{
		Name:        s.Name,
		Title:       s.Title,
		Description: s.Description,
		InputSchema: s.Schema,
		Annotations: &mcp.ToolAnnotations{
			Title:        s.Title,
			ReadOnlyHint: s.ReadOnly,
		},
	}
}

// =============================================================================
// Schema helpers
// =============================================================================

func ptr[T any](v T) *T { return &v }

func object(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	if required == nil {
		required = []string{}
	}
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func str(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func nonEmpty(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc, MinLength: ptr(1)}
}

func coordinate(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "number", Description: desc, Minimum: ptr(0.0)}
}

func udid() *jsonschema.Schema {
	return nonEmpty("Simulator UDID")
}

// =============================================================================
// Catalog
// =============================================================================

// Catalog returns the full, ordered tool catalog
func Catalog() []*Spec {
	return append(agentSpecs(), localSpecs()...)
}

func agentSpecs() []*Spec {
	return []*Spec{
		{
			Name:        "tap",
			Title:       "Tap",
			Description: "Tap the simulator screen at (x, y) in points.",
			Target:      TargetAgent,
			Path:        "/tap",
			Schema: object([]string{"udid", "x", "y"}, map[string]*jsonschema.Schema{
				"udid": udid(),
				"x":    coordinate("X coordinate in points"),
				"y":    coordinate("Y coordinate in points"),
			}),
		},
		{
			Name:        "swipe",
			Title:       "Swipe",
			Description: "Swipe from (x_start, y_start) to (x_end, y_end). Duration is in seconds.",
			Target:      TargetAgent,
			Path:        "/swipe",
			Schema: object([]string{"udid", "x_start", "y_start", "x_end", "y_end"}, map[string]*jsonschema.Schema{
				"udid":     udid(),
				"x_start":  coordinate("Start X coordinate"),
				"y_start":  coordinate("Start Y coordinate"),
				"x_end":    coordinate("End X coordinate"),
				"y_end":    coordinate("End Y coordinate"),
				"duration": {Type: "number", Description: "Swipe duration in seconds", Minimum: ptr(0.0)},
			}),
		},
		{
			Name:        "type_text",
			Title:       "Type text",
			Description: "Type text into the focused element.",
			Target:      TargetAgent,
			Path:        "/type_text",
			Schema: object([]string{"udid", "text"}, map[string]*jsonschema.Schema{
				"udid": udid(),
				"text": nonEmpty("Text to type"),
			}),
		},
		{
			Name:        "describe_ui",
			Title:       "Describe UI",
			Description: "Return the accessibility tree of the current screen.",
			Target:      TargetAgent,
			Path:        "/describe_ui",
			ReadOnly:    true,
			Schema: object([]string{"udid"}, map[string]*jsonschema.Schema{
				"udid": udid(),
			}),
		},
		{
			Name:        "describe_point",
			Title:       "Describe point",
			Description: "Return the accessibility element at (x, y).",
			Target:      TargetAgent,
			Path:        "/describe_point",
			ReadOnly:    true,
			Schema: object([]string{"udid", "x", "y"}, map[string]*jsonschema.Schema{
				"udid": udid(),
				"x":    coordinate("X coordinate in points"),
				"y":    coordinate("Y coordinate in points"),
			}),
		},
		{
			Name:        "press_button",
			Title:       "Press button",
			Description: "Press a hardware button.",
			Target:      TargetAgent,
			Path:        "/press_button",
			Schema: object([]string{"udid", "button"}, map[string]*jsonschema.Schema{
				"udid": udid(),
				"button": {
					Type:        "string",
					Description: "Hardware button",
					Enum:        []any{"HOME", "LOCK", "SIDE_BUTTON", "SIRI", "APPLE_PAY"},
				},
			}),
		},
	}
}

func localSpecs() []*Spec {
	return []*Spec{
		{
			Name:        "list_devices",
			Title:       "List devices",
			Description: "List available simulators and their state.",
			Target:      TargetLocal,
			ReadOnly:    true,
			Schema:      object(nil, map[string]*jsonschema.Schema{}),
			build:       buildListDevices,
		},
		{
			Name:        "boot",
			Title:       "Boot simulator",
			Description: "Boot a simulator.",
			Target:      TargetLocal,
			Schema:      object([]string{"udid"}, map[string]*jsonschema.Schema{"udid": udid()}),
			build:       buildBoot,
		},
		{
			Name:        "shutdown",
			Title:       "Shut down simulator",
			Description: "Shut down a simulator.",
			Target:      TargetLocal,
			Schema:      object([]string{"udid"}, map[string]*jsonschema.Schema{"udid": udid()}),
			build:       buildShutdown,
		},
		{
			Name:        "install_app",
			Title:       "Install app",
			Description: "Install an .app bundle on a simulator.",
			Target:      TargetLocal,
			Schema: object([]string{"udid", "app_path"}, map[string]*jsonschema.Schema{
				"udid":     udid(),
				"app_path": nonEmpty("Path to the .app bundle"),
			}),
			build: buildInstallApp,
		},
		{
			Name:        "launch_app",
			Title:       "Launch app",
			Description: "Launch an installed app by bundle identifier.",
			Target:      TargetLocal,
			Schema: object([]string{"udid", "bundle_id"}, map[string]*jsonschema.Schema{
				"udid":      udid(),
				"bundle_id": nonEmpty("App bundle identifier"),
			}),
			build: buildLaunchApp,
		},
		{
			Name:        "open_url",
			Title:       "Open URL",
			Description: "Open a URL on a simulator.",
			Target:      TargetLocal,
			Schema: object([]string{"udid", "url"}, map[string]*jsonschema.Schema{
				"udid": udid(),
				"url":  nonEmpty("URL to open"),
			}),
			build: buildOpenURL,
		},
		{
			Name:        "screenshot",
			Title:       "Screenshot",
			Description: "Capture the simulator screen to a PNG file.",
			Target:      TargetLocal,
			Schema: object([]string{"udid"}, map[string]*jsonschema.Schema{
				"udid":        udid(),
				"output_path": str("Destination file; defaults to a temporary file"),
			}),
			build: buildScreenshot,
		},
		{
			Name:        "set_location",
			Title:       "Set location",
			Description: "Set the simulated GPS location.",
			Target:      TargetLocal,
			Schema: object([]string{"udid", "latitude", "longitude"}, map[string]*jsonschema.Schema{
				"udid":      udid(),
				"latitude":  {Type: "number", Minimum: ptr(-90.0), Maximum: ptr(90.0)},
				"longitude": {Type: "number", Minimum: ptr(-180.0), Maximum: ptr(180.0)},
			}),
			build: buildSetLocation,
		},
		{
			Name:        "send_push",
			Title:       "Send push notification",
			Description: "Deliver a push notification payload to an app.",
			Target:      TargetLocal,
			Schema: object([]string{"udid", "bundle_id", "payload"}, map[string]*jsonschema.Schema{
				"udid":      udid(),
				"bundle_id": nonEmpty("App bundle identifier"),
				"payload":   {Type: "object", Description: "APNs payload, e.g. {\"aps\":{\"alert\":\"hi\"}}"},
			}),
			build: buildSendPush,
		},
	}
}
