package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	agencyconfig "github.com/jordanhubbard/agency/internal/config"
	"github.com/jordanhubbard/agency/internal/keymanager"
	"github.com/jordanhubbard/agency/internal/keypool"
)

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider API keys in the encrypted vault",
		Long: `Keys are stored encrypted in the local vault. The vault password comes
from AGENCY_PASSWORD or an interactive prompt.`,
	}
	cmd.AddCommand(newKeysAddCommand())
	cmd.AddCommand(newKeysListCommand())
	cmd.AddCommand(newKeysRemoveCommand())
	cmd.AddCommand(newKeysStatsCommand())
	return cmd
}

// openVault unlocks the vault named by the config, or the default one.
func openVault() (*keymanager.Vault, error) {
	path := ""
	if cfg, err := loadConfig(); err == nil {
		path = cfg.Keys.VaultPath
	} else if configPath != "" {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path == "" {
		paths, err := agencyconfig.Default()
		if err != nil {
			return nil, err
		}
		path = paths.VaultPath
	}

	password, err := agencyconfig.GetPassword()
	if err != nil {
		return nil, err
	}
	v := keymanager.NewVault(path)
	if err := v.Unlock(password); err != nil {
		return nil, err
	}
	return v, nil
}

func newKeysAddCommand() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "add <provider>",
		Short: "Store an API key",
		Long: `Reads the secret from an interactive prompt, or from the first line of
stdin when it is not a terminal.`,
		Example: `  agency keys add openai --id team
  echo "$OPENAI_API_KEY" | agency keys add openai`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := keypool.ParseProvider(args[0])
			if err != nil {
				return err
			}
			secret, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), fmt.Sprintf("%s key: ", p))
			if err != nil {
				return err
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			if err := v.Put(string(p), keyID, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s/%s\n", p, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "id", keypool.DefaultKeyID, "Key id within the provider's pool")
	return cmd
}

func readSecret(in io.Reader, out io.Writer, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return nonEmpty(string(b))
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return nonEmpty(line)
}

func nonEmpty(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("key cannot be empty")
	}
	return s, nil
}

func newKeysListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored keys without their secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}
			creds, err := v.Credentials()
			if err != nil {
				return err
			}
			sort.Slice(creds, func(i, j int) bool {
				if creds[i].Provider != creds[j].Provider {
					return creds[i].Provider < creds[j].Provider
				}
				return creds[i].KeyID < creds[j].KeyID
			})
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tKEY ID\tSECRET\tCREATED")
			for _, c := range creds {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Provider, c.KeyID, mask(c.Secret), c.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}

// mask keeps the last four characters of a secret.
func mask(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func newKeysRemoveCommand() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:     "rm <provider>",
		Aliases: []string{"remove"},
		Short:   "Delete a stored key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := keypool.ParseProvider(args[0])
			if err != nil {
				return err
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			if err := v.Delete(string(p), keyID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s/%s\n", p, keyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "id", keypool.DefaultKeyID, "Key id within the provider's pool")
	return cmd
}

func newKeysStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key usage and rate limit state from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/keys", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}
