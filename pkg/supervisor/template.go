package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/billm/simpilot/pkg/types"
)

// Placeholders recognized in the worker configuration template
const (
	PlaceholderHost        = "{{HOST}}"
	PlaceholderPort        = "{{PORT}}"
	PlaceholderDeviceID    = "{{DEVICE_ID}}"
	PlaceholderResourceDir = "{{RESOURCE_DIR}}"
)

// TemplateVars are the values substituted into a worker configuration
type TemplateVars struct {
	Host        string
	Port        int
	DeviceID    string
	ResourceDir string
}

func (v TemplateVars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		PlaceholderHost, v.Host,
		PlaceholderPort, strconv.Itoa(v.Port),
		PlaceholderDeviceID, v.DeviceID,
		PlaceholderResourceDir, v.ResourceDir,
	)
}

// Materialize renders the template at templatePath into outPath.
// A missing template yields ErrCodeTemplateMissing and writes nothing.
func Materialize(templatePath, outPath string, vars TemplateVars) error {
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return types.WrapError(types.ErrCodeTemplateMissing,
				fmt.Sprintf("worker config template not found: %s", templatePath), err)
		}
		return types.WrapError(types.ErrCodeInternal, "failed to read worker config template", err)
	}

	rendered := vars.replacer().Replace(string(raw))

	// Catch templates that no longer parse once values are substituted
	var probe map[string]any
	if err := yaml.Unmarshal([]byte(rendered), &probe); err != nil {
		return types.WrapError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("rendered worker config %s is not valid YAML", templatePath), err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create worker config directory", err)
	}
	if err := os.WriteFile(outPath, []byte(rendered), 0644); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to write worker config", err)
	}
	return nil
}

// fileSafe maps a device identity onto a string usable in file names.
// A short hash of the raw identity keeps distinct identities apart after
// sanitizing.
func fileSafe(id string) string {
	sum := sha256.Sum256([]byte(id))
	return sanitize(id) + "-" + hex.EncodeToString(sum[:4])
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
