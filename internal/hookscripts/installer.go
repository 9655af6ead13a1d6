package hookscripts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/rs/zerolog/log"
)

const (
	Version        = "1"
	ScriptName     = "forward.sh"
	versionFile    = "VERSION"
	versionMarker  = "# hook-gateway forwarder v"
	defaultTimeout = 125 * time.Second
)

// forwardedEvents are the agent lifecycle points wired to the forwarder.
var forwardedEvents = []hook.EventType{
	hook.PreToolUse,
	hook.PostToolUse,
	hook.Notification,
	hook.UserPromptSubmit,
	hook.SessionStart,
	hook.Stop,
	hook.SubagentStop,
	hook.PreCompact,
}

var forwardScript = template.Must(template.New(ScriptName).Parse(`#!/bin/sh
{{.Marker}}{{.Version}}
# Forwards one agent hook event (JSON on stdin) to the gateway. Anything
# other than an allow exits 2, which the agent treats as a block.
set -u

URL="${HOOK_GATEWAY_URL:-{{.GatewayURL}}}"
TIMEOUT="${HOOK_GATEWAY_TIMEOUT:-{{.TimeoutSeconds}}}"

response=$(curl -sS --max-time "$TIMEOUT" \
  -H 'Content-Type: application/json' \
  -H "X-Hook-Token: ${HOOK_GATEWAY_TOKEN:-}" \
  --data-binary @- "$URL/hook") || {
  echo "hook gateway unreachable, blocking" >&2
  exit 2
}

case "$response" in
  *'"decision":"allow"'*|*'"decision":"ask_then_allow"'*) exit 0 ;;
esac

echo "$response" >&2
exit 2
`))

// Installer manages the versioned forwarder scripts under Dir.
type Installer struct {
	Dir        string
	Version    string
	GatewayURL string
	Timeout    time.Duration
}

func NewInstaller(dir, gatewayURL string, timeout time.Duration) *Installer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Installer{
		Dir:        dir,
		Version:    Version,
		GatewayURL: strings.TrimRight(gatewayURL, "/"),
		Timeout:    timeout,
	}
}

// Report is the result of Validate.
type Report struct {
	Dir       string    `json:"dir"`
	Version   string    `json:"version"`
	Installed bool      `json:"installed"`
	Valid     bool      `json:"valid"`
	Problems  []string  `json:"problems,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func (i *Installer) VersionDir() string {
	return filepath.Join(i.Dir, "v"+i.Version)
}

func (i *Installer) ScriptPath() string {
	return filepath.Join(i.VersionDir(), ScriptName)
}

// Install writes the forwarder for the current version. Older version
// directories are left for the agent settings that still point at them.
func (i *Installer) Install() error {
	if err := os.MkdirAll(i.VersionDir(), 0755); err != nil {
		return fmt.Errorf("create hooks directory: %w", err)
	}

	var buf bytes.Buffer
	err := forwardScript.Execute(&buf, map[string]any{
		"Marker":         versionMarker,
		"Version":        i.Version,
		"GatewayURL":     i.GatewayURL,
		"TimeoutSeconds": int(i.Timeout.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("render forwarder: %w", err)
	}

	if err := writeFileAtomic(i.ScriptPath(), buf.Bytes(), 0755); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(i.VersionDir(), versionFile), []byte(i.Version+"\n"), 0644); err != nil {
		return err
	}

	log.Info().Str("path", i.ScriptPath()).Str("version", i.Version).Msg("hook scripts installed")
	return nil
}

func (i *Installer) Validate() Report {
	r := Report{Dir: i.VersionDir(), Version: i.Version, CheckedAt: time.Now().UTC()}

	info, err := os.Stat(i.ScriptPath())
	if err != nil {
		r.Problems = append(r.Problems, fmt.Sprintf("forwarder missing: %s", i.ScriptPath()))
		return r
	}
	r.Installed = true

	if info.Mode().Perm()&0111 == 0 {
		r.Problems = append(r.Problems, "forwarder is not executable")
	}

	script, err := os.ReadFile(i.ScriptPath())
	if err != nil {
		r.Problems = append(r.Problems, fmt.Sprintf("read forwarder: %v", err))
	} else if !bytes.Contains(script, []byte(versionMarker+i.Version+"\n")) {
		r.Problems = append(r.Problems, "forwarder version does not match")
	}

	version, err := os.ReadFile(filepath.Join(i.VersionDir(), versionFile))
	if err != nil || strings.TrimSpace(string(version)) != i.Version {
		r.Problems = append(r.Problems, "version file missing or stale")
	}

	r.Valid = len(r.Problems) == 0
	return r
}

type settings struct {
	Hooks map[string][]matcherGroup `json:"hooks"`
}

type matcherGroup struct {
	Matcher string        `json:"matcher,omitempty"`
	Hooks   []hookCommand `json:"hooks"`
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// GenerateConfig renders the agent settings block that points every
// forwarded lifecycle event at the installed script.
func (i *Installer) GenerateConfig() ([]byte, error) {
	s := settings{Hooks: make(map[string][]matcherGroup, len(forwardedEvents))}
	cmd := hookCommand{Type: "command", Command: i.ScriptPath(), Timeout: int(i.Timeout.Seconds())}

	for _, ev := range forwardedEvents {
		group := matcherGroup{Hooks: []hookCommand{cmd}}
		if ev == hook.PreToolUse || ev == hook.PostToolUse {
			group.Matcher = "*"
		}
		s.Hooks[string(ev)] = []matcherGroup{group}
	}

	return json.MarshalIndent(s, "", "  ")
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
