package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odyssey-erp/odyssey-iam/internal/rbac"
	"github.com/odyssey-erp/odyssey-iam/internal/roles"
)

// PolicyImporter writes a parsed policy into the item catalog.
type PolicyImporter interface {
	ImportPolicy(ctx context.Context, policy roles.Policy) (int, error)
}

// PolicyCLI offers operational helpers around policy files.
type PolicyCLI struct {
	importer    PolicyImporter
	routePrefix string
}

// NewPolicyCLI constructs the helper. importer may be nil for dry runs.
func NewPolicyCLI(importer PolicyImporter, routePrefix string) *PolicyCLI {
	return &PolicyCLI{importer: importer, routePrefix: routePrefix}
}

// PolicyImportOptions defines available flags for the policy import command.
type PolicyImportOptions struct {
	Path       string
	DryRun     bool
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// PolicyImportSummary describes the JSON response for policy import.
type PolicyImportSummary struct {
	Roles       int  `json:"roles"`
	Permissions int  `json:"permissions"`
	Routes      int  `json:"routes"`
	Edges       int  `json:"edges"`
	Written     int  `json:"written"`
	DryRun      bool `json:"dry_run"`
}

// ImportCommand parses, checks and applies a policy file. It returns the
// process exit code.
func (c *PolicyCLI) ImportCommand(ctx context.Context, opts PolicyImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "policy import: a policy file is required")
		return 1
	}
	f, err := os.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "policy import: %v\n", err)
		return 1
	}
	defer f.Close()

	policy, err := roles.ParsePolicy(f)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "policy import: %v\n", err)
		return 1
	}
	plan, err := policy.Plan(c.routePrefix)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "policy import: %v\n", err)
		return 1
	}
	summary := summarize(plan)
	summary.DryRun = opts.DryRun

	if !opts.DryRun {
		if c.importer == nil {
			_, _ = fmt.Fprintln(opts.Stderr, "policy import: importer not configured")
			return 1
		}
		written, err := c.importer.ImportPolicy(ctx, policy)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "policy import: %v\n", err)
			return 1
		}
		summary.Written = written
	}

	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "policy import: encode json: %v\n", err)
			return 1
		}
		return 0
	}
	renderImportHuman(opts.Stdout, path, summary)
	return 0
}

func summarize(plan roles.Plan) PolicyImportSummary {
	var s PolicyImportSummary
	for _, item := range plan.Items {
		switch item.Type {
		case rbac.TypeRole:
			s.Roles++
		case rbac.TypePermission:
			s.Permissions++
		case rbac.TypeRoute:
			s.Routes++
		}
	}
	s.Edges = len(plan.Edges)
	return s
}

func renderImportHuman(out io.Writer, path string, s PolicyImportSummary) {
	_, _ = fmt.Fprintf(out, "Policy %s: %d role(s), %d permission(s), %d route(s), %d edge(s)\n",
		path, s.Roles, s.Permissions, s.Routes, s.Edges)
	if s.DryRun {
		_, _ = fmt.Fprintln(out, "Dry run, nothing written.")
		return
	}
	if s.Written == 0 {
		_, _ = fmt.Fprintln(out, "Catalog already up to date.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d change(s) written, permission version bumped.\n", s.Written)
}
