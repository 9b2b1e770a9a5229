// Package secrets persists credentials obtained at login so the daemon can
// read them back through *_file config keys.
package secrets

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Writer stores a named secret and returns where it was written.
type Writer interface {
	Write(ctx context.Context, name string, plaintext []byte) (string, error)
}

// FileWriter writes secrets as mode 0600 files under Dir.
type FileWriter struct {
	Dir string
}

func (w FileWriter) Write(_ context.Context, name string, plaintext []byte) (string, error) {
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	dir := w.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	path := filepath.Join(dir, name)
	data := append(bytes.TrimSpace(plaintext), '\n')
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write secret %s: %w", path, err)
	}
	return path, nil
}

// AgenixWriter encrypts secrets into a nix-secrets repo with agenix,
// registering the secret in secrets.nix when it is new.
type AgenixWriter struct {
	RepoPath   string
	RulesPath  string
	Recipients []string
	Exec       string
	SkipUpdate bool
}

func (w AgenixWriter) Write(ctx context.Context, name string, plaintext []byte) (string, error) {
	if w.RepoPath == "" {
		return "", fmt.Errorf("agenix repo path is required")
	}
	if name == "" {
		return "", fmt.Errorf("secret name is required")
	}
	if !strings.HasSuffix(name, ".age") {
		name += ".age"
	}

	rules := w.RulesPath
	if rules == "" {
		rules = filepath.Join(w.RepoPath, "secrets.nix")
	}
	secretPath := filepath.Join(w.RepoPath, name)

	if !w.SkipUpdate {
		recipients := w.Recipients
		if len(recipients) == 0 {
			var err error
			if recipients, err = DefaultRecipients(rules); err != nil {
				return "", err
			}
		}
		if err := EnsureSecretEntry(rules, name, recipients); err != nil {
			return "", err
		}
	}

	execName := w.Exec
	if execName == "" {
		execName = "agenix"
	}
	cmd := exec.CommandContext(ctx, execName, "-e", secretPath)
	cmd.Env = append(os.Environ(), "RULES="+rules, "EDITOR=cp /dev/stdin")
	cmd.Stdin = bytes.NewReader(plaintext)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("agenix: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return secretPath, nil
}

// EnsureSecretEntry adds name to secrets.nix unless it is already listed.
func EnsureSecretEntry(rulesPath, name string, recipients []string) error {
	info, err := os.Stat(rulesPath)
	if err != nil {
		return fmt.Errorf("stat secrets.nix: %w", err)
	}
	content, err := os.ReadFile(rulesPath)
	if err != nil {
		return fmt.Errorf("read secrets.nix: %w", err)
	}
	listed := regexp.MustCompile(regexp.QuoteMeta(`"`+name+`"`) + `\s*\.publicKeys`)
	if listed.Match(content) {
		return nil
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients available for %s", name)
	}

	idx := bytes.LastIndex(content, []byte("\n}"))
	if idx == -1 {
		return fmt.Errorf("secrets.nix missing closing brace")
	}
	entry := fmt.Sprintf("  %q.publicKeys = [ %s ];\n", name, strings.Join(recipients, " "))
	updated := string(content[:idx]) + "\n" + entry + string(content[idx:])
	return os.WriteFile(rulesPath, []byte(updated), info.Mode().Perm()|0o600)
}

var gohomeRecipients = regexp.MustCompile(`"gohome-[^"]+\.age"\s*\.publicKeys\s*=\s*\[([^\]]+)\]`)

// DefaultRecipients reuses the recipient list of an existing gohome secret.
func DefaultRecipients(rulesPath string) ([]string, error) {
	content, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("read secrets.nix: %w", err)
	}
	match := gohomeRecipients.FindSubmatch(content)
	if len(match) < 2 {
		return nil, fmt.Errorf("no gohome recipients found in %s", rulesPath)
	}
	fields := strings.Fields(string(match[1]))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty recipient list in %s", rulesPath)
	}
	return fields, nil
}
