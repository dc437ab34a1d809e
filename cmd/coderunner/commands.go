package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/appspec"
	"github.com/Jackwwg83/coderunner2-sub002/internal/core/detect"
	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// maxDetectFileSize skips large files when reading a project from disk.
const maxDetectFileSize = 1 << 20

// skippedDirs are never read by detect.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"vendor":       true,
}

type rootOptions struct {
	configPath string
	verbose    bool
}

// newRootCommand builds the coderunner command tree.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "coderunner",
		Short: "Deploy user projects into isolated sandboxes",
		Long: `coderunner accepts project files over HTTP, detects the project type,
provisions a sandbox, installs dependencies, starts the application and
reports a public endpoint once it answers health checks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newServeCommand(opts),
		newReconcileCommand(opts),
		newGenerateCommand(),
		newDetectCommand(),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) load() (*Config, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, &ServerError{Op: "load_config", Err: err, ExitCode: ExitConfigError}
	}
	if o.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// =============================================================================
// serve
// =============================================================================

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment API server",
		Example: `  coderunner serve
  coderunner serve --config /etc/coderunner/config.yaml
  CODERUNNER_SERVER_PORT=9090 coderunner serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := SetupLogger(cfg)
			logger.Info("starting coderunner",
				"version", Version,
				"commit", Commit,
				"build_date", BuildDate,
			)

			server, err := NewServer(cfg, logger)
			if err != nil {
				return err
			}
			return server.Start(cmd.Context())
		},
	}
}

// =============================================================================
// reconcile
// =============================================================================

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	var staleAfter time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and exit",
		Long: `Retries pending sandbox teardowns and fails in-flight deployments that
have not changed for longer than the stale threshold. The threshold must
exceed orchestrator.max_workflow_timeout plus cleanup_timeout, so a deployment
a live server is still provisioning is never swept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if staleAfter > 0 {
				cfg.Reconciler.StaleAfter = staleAfter
				if err := cfg.Validate(); err != nil {
					return &ServerError{Op: "load_config", Err: err, ExitCode: ExitConfigError}
				}
			}
			logger := SetupLogger(cfg)

			rt, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			result, sweepErr := rt.reconciler.RunOnce(cmd.Context())

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := rt.close(closeCtx); err != nil {
				logger.Warn("failed to close cleanly", "error", err)
			}
			if sweepErr != nil {
				return sweepErr
			}
			return writeOutput(cmd.OutOrStdout(), "json", result)
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "Override reconciler.stale_after")
	return cmd
}

// =============================================================================
// generate
// =============================================================================

func newGenerateCommand() *cobra.Command {
	var outDir, format string

	cmd := &cobra.Command{
		Use:   "generate <spec-file>",
		Short: "Generate a Node.js backend from an application spec",
		Example: `  coderunner generate app.yaml -o ./out
  coderunner generate app.yaml -o ./out --format yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read spec: %w", err)
			}

			set, err := appspec.Generate(string(source))
			if err != nil {
				return err
			}
			set.GeneratedAt = time.Now().UTC()

			if err := writeFiles(outDir, set.Files); err != nil {
				return err
			}
			for _, w := range set.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w.String())
			}

			return writeOutput(cmd.OutOrStdout(), format, generateSummary{
				OutputDir:   outDir,
				Files:       paths(set.Files),
				Resources:   set.Resources,
				Warnings:    len(set.Warnings),
				GeneratedAt: set.GeneratedAt,
			})
		},
	}

	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "Directory to write generated files into")
	cmd.Flags().StringVar(&format, "format", "json", "Summary format (json, yaml)")
	return cmd
}

type generateSummary struct {
	OutputDir   string             `json:"output_dir" yaml:"output_dir"`
	Files       []string           `json:"files" yaml:"files"`
	Resources   []appspec.Resource `json:"resources" yaml:"resources"`
	Warnings    int                `json:"warnings" yaml:"warnings"`
	GeneratedAt time.Time          `json:"generated_at" yaml:"generated_at"`
}

// writeFiles writes generated files under dir. Paths escaping dir are refused.
func writeFiles(dir string, files []domain.FileEntry) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for _, f := range files {
		target := filepath.Join(root, filepath.FromSlash(f.Path))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("refusing to write outside %s: %s", dir, f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}
	return nil
}

// =============================================================================
// detect
// =============================================================================

func newDetectCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "detect <dir>",
		Short:   "Classify the project in a directory",
		Example: `  coderunner detect ./my-app`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readProject(args[0])
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), format, detect.Classify(files))
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Output format (json, yaml)")
	return cmd
}

// readProject loads the files under dir with slash-separated relative paths.
func readProject(dir string) ([]domain.FileEntry, error) {
	var files []domain.FileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxDetectFileSize {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, domain.FileEntry{Path: filepath.ToSlash(rel), Content: string(content)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read project: %w", err)
	}
	return files, nil
}

// =============================================================================
// version
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coderunner %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}

// =============================================================================
// Output
// =============================================================================

func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func paths(files []domain.FileEntry) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
