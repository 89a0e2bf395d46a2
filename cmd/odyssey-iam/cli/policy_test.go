package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-iam/internal/roles"
)

const policyDoc = `
roles:
  - name: admin
    children: [manageUsers]
permissions:
  - name: manageUsers
    children: [/users, /users/*]
routes:
  - /healthz
`

type stubImporter struct {
	calls   int
	written int
	err     error
}

func (s *stubImporter) ImportPolicy(_ context.Context, _ roles.Policy) (int, error) {
	s.calls++
	return s.written, s.err
}

func writePolicy(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestImportCommandJSON(t *testing.T) {
	importer := &stubImporter{written: 6}
	cli := NewPolicyCLI(importer, "")

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := cli.ImportCommand(context.Background(), PolicyImportOptions{
		Path:       writePolicy(t, policyDoc),
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, code)
	require.Empty(t, stderr.String())
	require.Equal(t, 1, importer.calls)

	var summary PolicyImportSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, PolicyImportSummary{Roles: 1, Permissions: 1, Routes: 3, Edges: 3, Written: 6}, summary)
}

func TestImportCommandDryRunSkipsImporter(t *testing.T) {
	cli := NewPolicyCLI(nil, "")
	stdout := new(bytes.Buffer)
	code := cli.ImportCommand(context.Background(), PolicyImportOptions{
		Path:   writePolicy(t, policyDoc),
		DryRun: true,
		Stdout: stdout,
		Stderr: new(bytes.Buffer),
	})
	require.Zero(t, code)
	require.Contains(t, stdout.String(), "Dry run")
}

func TestImportCommandFailures(t *testing.T) {
	cases := map[string]struct {
		path     string
		importer *stubImporter
		want     string
	}{
		"missing path":   {path: "", importer: &stubImporter{}, want: "policy file is required"},
		"unreadable":     {path: filepath.Join(t.TempDir(), "absent.yaml"), importer: &stubImporter{}, want: "no such file"},
		"bad hierarchy":  {path: writePolicy(t, "permissions:\n  - name: p\n    children: [r]\nroles:\n  - name: r\n"), importer: &stubImporter{}, want: "policy import"},
		"importer fails": {path: writePolicy(t, policyDoc), importer: &stubImporter{err: errors.New("db down")}, want: "db down"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			stderr := new(bytes.Buffer)
			code := NewPolicyCLI(tc.importer, "").ImportCommand(context.Background(), PolicyImportOptions{
				Path:   tc.path,
				Stdout: new(bytes.Buffer),
				Stderr: stderr,
			})
			require.Equal(t, 1, code)
			require.Contains(t, stderr.String(), tc.want)
		})
	}
}
