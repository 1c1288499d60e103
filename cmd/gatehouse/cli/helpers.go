package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/easelworks/gatehouse/internal/secret"
	"github.com/easelworks/gatehouse/internal/service"
	"github.com/easelworks/gatehouse/internal/store"
	"github.com/easelworks/gatehouse/internal/token"
	"github.com/easelworks/gatehouse/internal/totp"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// GATEHOUSE_DATA_DIR env var, database.data_dir, or ~/.gatehouse as
// fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("GATEHOUSE_DATA_DIR"); envDir != "" {
		return envDir
	}
	if appConfig != nil && appConfig.Database.DataDir != "" {
		return appConfig.Database.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gatehouse")
}

// openStore opens the configured credential store and applies migrations.
func openStore(ctx context.Context) (*store.Store, error) {
	sc, err := appConfig.StoreConfig(resolveDataDir())
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, sc)
}

// app bundles the wired components for commands that need the full stack.
type app struct {
	store  *store.Store
	svc    *service.TwoFactorService
	issuer *token.Issuer
}

func (a *app) Close() error { return a.store.Close() }

func openApp(ctx context.Context) (*app, error) {
	if err := appConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cipher, err := secret.NewCipher(appConfig.Auth.EncryptionKey)
	if err != nil {
		return nil, err
	}
	tc, err := appConfig.TokenConfig()
	if err != nil {
		return nil, err
	}
	issuer, err := token.NewIssuer(tc)
	if err != nil {
		return nil, err
	}
	policy, err := appConfig.Policy()
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	engine := totp.New(totp.WithSkew(appConfig.TOTP.Skew))
	svc := service.NewTwoFactorService(st, cipher, engine, issuer, service.Options{
		IssuerLabel: appConfig.TOTP.IssuerLabel,
		Policy:      policy,
		Logger:      logger,
	})
	return &app{store: st, svc: svc, issuer: issuer}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptSecret reads a value without echo when stdin is a terminal and
// reads one line otherwise.
func promptSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if cmd.InOrStdin() == os.Stdin && term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no input provided")
	}
	return line, nil
}

// describeError prefixes err with its kind for operator-facing output.
func describeError(err error) error {
	if err == nil {
		return nil
	}
	kind := service.ErrorKind(err)
	if kind == "internal" {
		return err
	}
	return fmt.Errorf("%s: %w", kind, err)
}
