// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli assembles the cobra command tree for the engine's CLI
// surface (spec.md §6): apply, destroy, test, and server start|stop|status.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/homestakdev/iacengine/pkg/cmdutil"
	"github.com/homestakdev/iacengine/pkg/executor"
	"github.com/homestakdev/iacengine/pkg/manifest"
)

// Engine is the orchestration surface the CLI drives. cmd/iacengine wires a
// concrete implementation backed by pkg/manifest, pkg/executor and
// pkg/specserver.
type Engine interface {
	LoadManifest(path string) (*manifest.Manifest, error)
	DryRunPreview(m *manifest.Manifest, verb executor.Verb) (string, error)
	Run(ctx context.Context, m *manifest.Manifest, host string, verb executor.Verb) (*executor.Report, error)
	StartServer(ctx context.Context, cfg ServerStartConfig) error
	StopServer(ctx context.Context) error
	ServerStatus(ctx context.Context) (ServerStatus, error)
}

// ServerStartConfig carries `server start`'s flags (spec.md §6).
type ServerStartConfig struct {
	Port       int
	Bind       string
	Cert       string
	Key        string
	ReposDir   string
	RepoToken  string
	Foreground bool
}

// ServerStatus is the supplemented `server status --json` shape
// (SPEC_FULL.md §9).
type ServerStatus struct {
	Running           bool `json:"running"`
	PID               int  `json:"pid"`
	Refcount          int  `json:"refcount"`
	StartedByThisHost bool `json:"started_by_this_host"`
}

// CommandHandler builds the cobra command tree against an injected Engine,
// keeping pkg/cli testable without a real executor or spec server.
type CommandHandler struct {
	engine Engine
	out    io.Writer
	errOut io.Writer
}

func NewCommandHandler(engine Engine, out, errOut io.Writer) *CommandHandler {
	return &CommandHandler{engine: engine, out: out, errOut: errOut}
}

func (h *CommandHandler) RootCmd(name string) *cobra.Command {
	cmd := &cobra.Command{
		Use: name,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.SetOut(h.out)
	cmd.SetErr(h.errOut)

	cmd.PersistentFlags().Bool("verbose", false, "raise log level")
	cmd.PersistentFlags().Bool("structured-output", false, "emit the trailing-line JSON trailer on stdout")

	cmd.AddCommand(
		h.applyCmd(),
		h.destroyCmd(),
		h.testCmd(),
		h.serverCmd(),
		h.versionCmd(),
	)
	return cmd
}

func (h *CommandHandler) applyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <manifest-id> <host>",
		Short: "Create and configure a manifest's node tree",
		Args:  cobra.ExactArgs(2),
		RunE:  h.runVerb(executor.VerbApply),
	}
	cmd.Flags().Bool("dry-run", false, "print the create order and each Action's descriptor without running anything")
	cmd.Flags().Bool("yes", false, "skip the destructive-confirmation prompt")
	return cmd
}

func (h *CommandHandler) destroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <manifest-id> <host>",
		Short: "Tear down a manifest's node tree",
		Args:  cobra.ExactArgs(2),
		RunE:  h.runVerb(executor.VerbDestroy),
	}
	cmd.Flags().Bool("dry-run", false, "print the destroy order without running anything")
	cmd.Flags().Bool("yes", false, "skip the destructive-confirmation prompt")
	return cmd
}

func (h *CommandHandler) testCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test <manifest-id> <host>",
		Short: "Run each node's read-only test suite",
		Args:  cobra.ExactArgs(2),
		RunE:  h.runVerb(executor.VerbTest),
	}
	cmd.Flags().Bool("dry-run", false, "print the create order and each Action's descriptor without running anything")
	return cmd
}

// runVerb returns a cobra RunE that loads the named manifest, honors
// --dry-run and --structured-output, confirms destructive verbs absent
// --yes, and renders spec.md §7's single stderr failure line on error.
func (h *CommandHandler) runVerb(verb executor.Verb) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		manifestID, host := args[0], args[1]

		m, err := h.engine.LoadManifest(manifestID)
		if err != nil {
			return fmt.Errorf("load manifest %q: %w", manifestID, err)
		}

		if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
			preview, err := h.engine.DryRunPreview(m, verb)
			if err != nil {
				return err
			}
			fmt.Fprintln(h.out, preview)
			return nil
		}

		if verb == executor.VerbDestroy {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				if !h.confirmDestroy(cmd, manifestID) {
					fmt.Fprintln(h.errOut, "aborted: pass --yes to confirm")
					return errAborted
				}
			}
		}

		structured, _ := cmd.Flags().GetBool("structured-output")

		report, runErr := h.engine.Run(cmd.Context(), m, host, verb)
		if report != nil && structured {
			trailer, err := report.Trailer()
			if err == nil {
				fmt.Fprintln(h.out, trailer)
			}
		}
		if runErr != nil {
			return runErr
		}
		if report != nil && !report.Success {
			fmt.Fprintln(h.errOut, color.RedString(report.Error))
			return errRunFailed
		}
		return nil
	}
}

func (h *CommandHandler) confirmDestroy(cmd *cobra.Command, manifestID string) bool {
	fmt.Fprintf(h.out, "This will destroy every node in %q. Type the manifest id to confirm: ", manifestID)
	var reply string
	if _, err := fmt.Fscanln(cmd.InOrStdin(), &reply); err != nil {
		return false
	}
	return reply == manifestID
}

func (h *CommandHandler) serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the spec/repo server daemon",
	}
	cmd.AddCommand(h.serverStartCmd(), h.serverStopCmd(), h.serverStatusCmd())
	return cmd
}

func (h *CommandHandler) serverStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the spec/repo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			bind, _ := cmd.Flags().GetString("bind")
			cert, _ := cmd.Flags().GetString("cert")
			key, _ := cmd.Flags().GetString("key")
			reposDir, _ := cmd.Flags().GetString("repos")
			repoToken, _ := cmd.Flags().GetString("repo-token")
			foreground, _ := cmd.Flags().GetBool("foreground")
			return h.engine.StartServer(cmd.Context(), ServerStartConfig{
				Port: port, Bind: bind, Cert: cert, Key: key,
				ReposDir: reposDir, RepoToken: repoToken, Foreground: foreground,
			})
		},
	}
	cmd.Flags().Int("port", 8443, "HTTPS listen port")
	cmd.Flags().String("bind", "0.0.0.0", "listen address")
	cmd.Flags().String("cert", "", "TLS certificate path; self-signed bootstrap if empty")
	cmd.Flags().String("key", "", "TLS key path; self-signed bootstrap if empty")
	cmd.Flags().String("repos", "", "directory of git repositories served over /{repo}.git")
	cmd.Flags().String("repo-token", "", "opaque bearer token required for /{repo}.git requests")
	cmd.Flags().Bool("foreground", false, "run in the foreground instead of daemonizing")
	return cmd
}

func (h *CommandHandler) serverStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the spec/repo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				ok, err := cmdutil.Confirm(cmd.InOrStdin(), h.out, "Stop the spec/repo server?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(h.errOut, "aborted: pass --yes to confirm")
					return errAborted
				}
			}
			return h.engine.StopServer(cmd.Context())
		},
	}
	cmd.Flags().Bool("yes", false, "skip the confirmation prompt")
	return cmd
}

func (h *CommandHandler) serverStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the spec/repo server's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := h.engine.ServerStatus(cmd.Context())
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				enc := json.NewEncoder(h.out)
				return enc.Encode(st)
			}
			fmt.Fprintf(h.out, "running=%v pid=%d refcount=%d started_by_this_host=%v\n",
				st.Running, st.PID, st.Refcount, st.StartedByThisHost)
			if !st.Running {
				return errServerNotRunning
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

// VersionCommit returns the commit hash of the current build, read from
// Go's embedded VCS build info.
func VersionCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	var dirty bool
	var commit string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit == "" {
		return "dev"
	}
	if len(commit) >= 9 {
		commit = commit[:9]
	}
	if dirty {
		commit += "+dirty"
	}
	return commit
}

func (h *CommandHandler) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the engine's build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(h.out, VersionCommit())
			return nil
		},
	}
}
