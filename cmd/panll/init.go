package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const configTemplate = `# panll runtime configuration
log_level: info

constraints:
  profiles_path: .panll/profiles.yaml
  active_profile: default
  watch: false

# Once the Vexation Index reaches threshold, the named profile is appended to
# every validate / validate_profile call. 0 disables escalation.
strictness:
  threshold: 0.6
  profile: strict

vexation:
  rejections:
    FORBID_SUBSTRING: {magnitude: 0.10, half_life: SHORT}
    FORBID_PATTERN:   {magnitude: 0.15, half_life: MEDIUM}
    REQUIRE_PATTERN:  {magnitude: 0.15, half_life: MEDIUM}
    CUSTOM_PREDICATE: {magnitude: 0.25, half_life: MEDIUM}
  crash: {magnitude: 0.40, half_life: LONG}
  operator_half_life: MEDIUM
  half_lives:
    SHORT: 30s
    MEDIUM: 5m
    LONG: 30m
  prune_every: 64

feedback:
  queue_size: 256
  ack_timeout: 2s
  send_timeout: 10s
  retry_interval: 5s
  rate_per_second: 5
  burst: 5
  pool: log            # log | github | nats | webhook
  github:
    token: ${GITHUB_TOKEN}
    owner: ""
    repo: ""
    labels: [feedback]
  nats:
    url: ${NATS_URL}
    subject: panll.feedback
    timeout: 5s
  webhook:
    url: ""
    allowed_domains: []
    headers:
      Authorization: Bearer ${PANLL_WEBHOOK_TOKEN}

sandbox:
  allowed_paths: ["."]
  denied_paths: ["/etc", "/usr"]
  max_file_size: 1MB
  extensions: [.yaml, .yml]

store:
  path: .panll/state.db

provenance:
  path: .panll/provenance.db

inspector:
  enabled: false
  port: 4200
`

const profilesTemplate = `# Constraint profiles. Kinds: FORBID_SUBSTRING, FORBID_PATTERN,
# REQUIRE_PATTERN, CUSTOM_PREDICATE (payload names a registered predicate:
# non_empty, printable, single_line, balanced_brackets).
profiles:
  default:
    - kind: FORBID_SUBSTRING
      payload: reboot
    - kind: FORBID_PATTERN
      payload: 'rm\s+-rf\s+/'
      name: recursive root delete
    - kind: CUSTOM_PREDICATE
      payload: printable
  strict:
    - kind: FORBID_PATTERN
      payload: '(?i)\b(sudo|shutdown|mkfs)\b'
      name: privileged command
    - kind: CUSTOM_PREDICATE
      payload: balanced_brackets
`

func initCmd() *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a config and profiles file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return scaffold(cmd.OutOrStdout(), dir, force)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".panll", "directory to create the files in")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// scaffold writes config.yaml and profiles.yaml into dir.
func scaffold(out io.Writer, dir string, force bool) error {
	files := []struct {
		name, body string
	}{
		{"config.yaml", configTemplate},
		{"profiles.yaml", profilesTemplate},
	}

	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("file %q already exists (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.body), 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	}
	fmt.Fprintln(out, "Edit the files, then run:")
	fmt.Fprintln(out, "  panll check")
	fmt.Fprintln(out, "  panll serve")
	return nil
}
