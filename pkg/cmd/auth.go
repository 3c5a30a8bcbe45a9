package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridian-vpn/meridian/config"
	"github.com/meridian-vpn/meridian/pkg/tunnel/token"
)

var (
	adoptTokenFile   string
	adoptRefreshFile string
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored access credential",
	Long: `Inspect, adopt, or remove the credential used to authorize tunnel sessions.

The credential format is selected by the tokenScheme config field: "v1" stores
a bare access token, "v2" stores an access/refresh token container whose access
token is verified against the configured JWKS endpoint.`,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a credential is stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		handle, err := config.NewTokenHandle(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		cred, err := handle.GetToken()
		if errors.Is(err, token.ErrMissingCredential) {
			fmt.Println("No credential stored.")
			os.Exit(1)
		} else if err != nil {
			return err
		}

		fmt.Printf("Credential present (scheme %s).\n", cred.Scheme())
		if c, ok := cred.(*token.Container); ok && c.HasEntitlement(token.EntitlementVPN) {
			fmt.Println("VPN entitlement: granted")
		}
		return nil
	},
}

var authAdoptCmd = &cobra.Command{
	Use:   "adopt",
	Short: "Adopt a credential from files or stdin",
	Long: `Adopt a credential. The access token is read from --token-file, or from
stdin when the flag is omitted. For v2 containers an optional refresh token
can be supplied with --refresh-file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		handle, err := config.NewTokenHandle(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		scheme, err := cfg.Scheme()
		if err != nil {
			return err
		}

		access, err := readSecret(adoptTokenFile)
		if err != nil {
			return err
		}
		if access == "" {
			return errors.New("empty access token")
		}

		var cred token.Credential
		switch scheme {
		case token.SchemeBare:
			cred = token.BareToken(access)
		case token.SchemeContainer:
			var refresh string
			if adoptRefreshFile != "" {
				if refresh, err = readSecret(adoptRefreshFile); err != nil {
					return err
				}
			}
			cred = &token.Container{Access: access, Refresh: refresh}
		}

		if err := handle.AdoptToken(cred); err != nil {
			return fmt.Errorf("unable to adopt credential: %w", err)
		}
		fmt.Println("Credential stored.")
		return nil
	},
}

var authRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		handle, err := config.NewTokenHandle(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		if err := handle.RemoveToken(); err != nil {
			return err
		}
		fmt.Println("Credential removed.")
		return nil
	},
}

func readSecret(path string) (string, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	stat, _ := os.Stdin.Stat()
	if stat.Mode()&os.ModeCharDevice != 0 {
		return "", errors.New("either --token-file or stdin must be provided")
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func init() {
	authAdoptCmd.Flags().StringVar(&adoptTokenFile, "token-file", "", "Path to a file holding the access token.")
	authAdoptCmd.Flags().StringVar(&adoptRefreshFile, "refresh-file", "", "Path to a file holding the refresh token (v2 only).")

	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authAdoptCmd)
	authCmd.AddCommand(authRemoveCmd)
	RootCmd.AddCommand(authCmd)
}
