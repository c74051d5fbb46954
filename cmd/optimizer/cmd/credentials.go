package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/schedopt/pkg/auth"
	"github.com/psantana5/schedopt/pkg/models"
)

var (
	credSubject     string
	credRoles       []string
	credPermissions []string
	credTTL         time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with auth.jwt_secret",
	Long: `Mint an HS256 bearer token for the configured issuer and audience.

Example:
  optimizer token --subject alice --role planner
  optimizer token --subject ci --permission optimization:submit --ttl 1h`,
	RunE: runToken,
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate an API key and its config entry",
	Long: `Generate a new API key. The plaintext is printed once; add the printed
auth.api_keys entry to the server configuration.`,
	RunE: runGenKey,
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key <key>",
	Short: "Print the bcrypt hash of an existing API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(genKeyCmd)
	rootCmd.AddCommand(hashKeyCmd)

	for _, c := range []*cobra.Command{tokenCmd, genKeyCmd} {
		c.Flags().StringVar(&credSubject, "subject", "", "principal subject (required)")
		c.Flags().StringSliceVar(&credRoles, "role", nil, "role: admin, operator, planner or viewer (repeatable)")
		c.Flags().StringSliceVar(&credPermissions, "permission", nil, "extra permission, e.g. optimization:submit (repeatable)")
		c.MarkFlagRequired("subject")
	}
	tokenCmd.Flags().DurationVar(&credTTL, "ttl", 24*time.Hour, "token lifetime")
	genKeyCmd.Flags().DurationVar(&credTTL, "ttl", 0, "key lifetime, 0 never expires")
}

func principalFlags() ([]models.Role, []models.Permission, error) {
	if len(credRoles) == 0 && len(credPermissions) == 0 {
		return nil, nil, errors.New("at least one --role or --permission is required")
	}
	roles := make([]models.Role, 0, len(credRoles))
	for _, r := range credRoles {
		role := models.Role(r)
		if _, ok := models.RolePermissions[role]; !ok {
			return nil, nil, fmt.Errorf("unknown role %q", r)
		}
		roles = append(roles, role)
	}
	perms := make([]models.Permission, 0, len(credPermissions))
	for _, p := range credPermissions {
		perms = append(perms, models.Permission(p))
	}
	return roles, perms, nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	roles, perms, err := principalFlags()
	if err != nil {
		return err
	}
	verifier, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	token, err := verifier.Issue(credSubject, roles, perms, credTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runGenKey(cmd *cobra.Command, args []string) error {
	roles, perms, err := principalFlags()
	if err != nil {
		return err
	}
	key, entry, err := auth.NewAPIKeyStore().Generate(models.Principal{
		Subject:     credSubject,
		Roles:       roles,
		Permissions: perms,
	}, credTTL)
	if err != nil {
		return err
	}

	kc := auth.KeyConfig{ID: entry.ID, Hash: entry.Hash, Subject: credSubject, Roles: credRoles, Permissions: credPermissions}
	snippet, err := yaml.Marshal(map[string]interface{}{
		"auth": map[string]interface{}{"api_keys": []auth.KeyConfig{kc}},
	})
	if err != nil {
		return fmt.Errorf("failed to render config entry: %w", err)
	}

	fmt.Printf("API key (shown once): %s\n\n", key)
	if !entry.ExpiresAt.IsZero() {
		fmt.Printf("Expires: %s\n\n", entry.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Fprintln(os.Stdout, "Configuration entry:")
	fmt.Print(string(snippet))
	return nil
}
