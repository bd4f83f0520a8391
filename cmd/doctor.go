package cmd

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/billm/simpilot/internal/config"
	"github.com/billm/simpilot/internal/version"
	"github.com/billm/simpilot/pkg/command"
	"github.com/billm/simpilot/pkg/supervisor"
	"github.com/billm/simpilot/pkg/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the host can run simulator automation",
	Long: `doctor verifies the pieces simpilot depends on: the simctl command,
the idb automation client, the agent binary, the agent config template,
and that the first agent port is free.`,
	RunE: runDoctor,
}

// check is a single host prerequisite
type check struct {
	name string
	run  func() (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, versionLine(version.GetVersionInfo()))
	failed := runChecks(out, doctorChecks(cfg))
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

// versionLine renders the build information shown above the checks
func versionLine(info map[string]interface{}) string {
	return fmt.Sprintf("simpilot %v (%v, %v)", info["version"], info["go_version"], info["platform"])
}

// runChecks prints one line per check and returns the number that failed
func runChecks(out io.Writer, checks []check) int {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)
	gray := color.New(color.FgHiBlack)

	failed := 0
	for _, c := range checks {
		detail, err := c.run()
		if err != nil {
			failed++
			red.Fprint(out, "  ✗ ")
			fmt.Fprintf(out, "%-16s %v\n", c.name, err)
			continue
		}
		green.Fprint(out, "  ✓ ")
		fmt.Fprintf(out, "%-16s ", c.name)
		gray.Fprintln(out, detail)
	}
	return failed
}

func doctorChecks(cfg *config.Config) []check {
	s := cfg.Supervisor
	return []check{
		{name: "simctl", run: func() (string, error) {
			runner, err := command.NewRunner(cfg.Simctl, nil)
			if err != nil {
				return "", err
			}
			if err := runner.Available(); err != nil {
				return "", err
			}
			return runner.Name(), nil
		}},
		{name: "idb", run: func() (string, error) {
			path, err := exec.LookPath(config.DefaultAutomationCommand)
			if err != nil {
				return "", types.WrapError(types.ErrCodeNotFound, "idb is not on PATH", err)
			}
			return path, nil
		}},
		{name: "agent binary", run: func() (string, error) {
			return s.AgentBinary, checkExecutable(s.AgentBinary)
		}},
		{name: "agent template", run: func() (string, error) {
			return s.TemplatePath(), checkTemplate(s)
		}},
		{name: "base port", run: func() (string, error) {
			addr := net.JoinHostPort(s.Host, strconv.Itoa(s.BasePort))
			return addr, checkPortFree(addr)
		}},
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return types.WrapError(types.ErrCodeNotFound, "agent binary not found: "+path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "agent binary is not executable: "+path)
	}
	return nil
}

// checkTemplate renders the template into a scratch file and loads it the
// way an agent would at startup
func checkTemplate(s config.SupervisorConfig) error {
	dir, err := os.MkdirTemp("", "simpilot-doctor-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "agent.yaml")
	err = supervisor.Materialize(s.TemplatePath(), out, supervisor.TemplateVars{
		Host:        s.Host,
		Port:        s.BasePort,
		DeviceID:    "doctor",
		ResourceDir: s.ResourceDir,
	})
	if err != nil {
		return err
	}
	_, err = config.LoadAgentFromFile(out)
	return err
}

func checkPortFree(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "port is in use: "+addr, err)
	}
	return ln.Close()
}
