package scmgitlab

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// EnvTokenProvider reads the token from an environment variable once per
// call, so a rotated secret takes effect without a process restart.
type EnvTokenProvider struct {
	VarName string
}

func (p EnvTokenProvider) Token(ctx context.Context) (string, error) {
	v := os.Getenv(p.VarName)
	if v == "" {
		return "", fmt.Errorf("scmgitlab: env var %s is empty", p.VarName)
	}
	return v, nil
}

// FileTokenProvider re-reads a mounted secret file on every call,
// matching how a Kubernetes secret volume rotates content in place.
type FileTokenProvider struct {
	Path string
}

func (p FileTokenProvider) Token(ctx context.Context) (string, error) {
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return "", fmt.Errorf("scmgitlab: read token file %s: %w", p.Path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ExecTokenProvider shells out to an external secrets-manager command
// and uses its trimmed stdout as the token.
type ExecTokenProvider struct {
	Command string
	Args    []string
}

func (p ExecTokenProvider) Token(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("scmgitlab: token exec command: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// NewTokenProvider builds a provider from the config.GitLabConfig's
// token_provider discriminator ("env" | "file" | "exec").
func NewTokenProvider(kind, envVar, filePath, execCommand string) (TokenProvider, error) {
	switch kind {
	case "env":
		return EnvTokenProvider{VarName: envVar}, nil
	case "file":
		return FileTokenProvider{Path: filePath}, nil
	case "exec":
		parts := strings.Fields(execCommand)
		if len(parts) == 0 {
			return nil, fmt.Errorf("scmgitlab: exec token_provider has empty command")
		}
		return ExecTokenProvider{Command: parts[0], Args: parts[1:]}, nil
	default:
		return nil, fmt.Errorf("scmgitlab: unknown token_provider %q", kind)
	}
}
