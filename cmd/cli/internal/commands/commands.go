package commands

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/wolfeidau/tokenbroker/internal/client"
)

type Globals struct {
	Server  string
	Token   string
	Debug   bool
	Version string

	// stdin and stdout are swapped out in tests.
	stdin  io.Reader
	stdout io.Writer
}

func (g *Globals) client() (*client.Client, error) {
	if g.Token == "" {
		return nil, errors.New("an identity token is required, set --token or BROKER_TOKEN")
	}

	cfg := client.DefaultConfig()
	cfg.ServerURL = g.Server
	cfg.Token = g.Token
	cfg.Debug = g.Debug
	return client.New(cfg), nil
}

func (g *Globals) in() io.Reader {
	if g.stdin != nil {
		return g.stdin
	}
	return os.Stdin
}

func (g *Globals) out() io.Writer {
	if g.stdout != nil {
		return g.stdout
	}
	return os.Stdout
}

// readSecret reads a single secret line so tokens never appear in shell history.
func readSecret(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, 16*1024))
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}
