package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/spacesai/spaces-engine/internal/storage"
)

// newUserCmd creates the user command group. The engine trusts the gateway
// for identity, so these exist to bootstrap tenants and spaces directly.
func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users and their spaces",
	}
	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserSpacesCmd())
	cmd.AddCommand(newSpaceCreateCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "create [email]",
		Short: "Create a user and their default space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			if email == "" || !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email %q", args[0])
			}
			if password == "" {
				buf := make([]byte, 18)
				if _, err := rand.Read(buf); err != nil {
					return fmt.Errorf("generate password: %w", err)
				}
				password = hex.EncodeToString(buf)
				fmt.Fprintf(os.Stderr, "generated password: %s\n", password)
			}
			hash := sha256.Sum256([]byte(password))

			ctx := cmd.Context()
			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			users := storage.NewUserRepository(svc.db)
			user, err := users.Create(ctx, email, hex.EncodeToString(hash[:]))
			if errors.Is(err, storage.ErrConflict) {
				return fmt.Errorf("user %s already exists", email)
			}
			if err != nil {
				return err
			}
			spaceID, err := users.EnsureDefaultSpace(ctx, user.ID)
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
					"user_id":          user.ID,
					"email":            user.Email,
					"default_space_id": spaceID,
				})
			}
			color.New(color.FgGreen).Printf("✓ created user %s (id %d, default space %d)\n",
				user.Email, user.ID, spaceID)
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "initial password (generated when omitted)")
	return cmd
}

func newUserSpacesCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "spaces",
		Short: "List a user's spaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			ctx := cmd.Context()
			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			spaces, err := storage.NewUserRepository(svc.db).ListSpaces(ctx, userID)
			if err != nil {
				return err
			}
			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(spaces)
			}
			if len(spaces) == 0 {
				fmt.Println("no spaces")
				return nil
			}
			for _, s := range spaces {
				marker := " "
				if s.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %d  %s\n", marker, s.ID, s.Name)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user ID owning the spaces (required)")
	return cmd
}

func newSpaceCreateCmd() *cobra.Command {
	var (
		userID     int64
		setDefault bool
	)

	cmd := &cobra.Command{
		Use:   "space-create [name]",
		Short: "Create a named space for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user is required")
			}
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("space name is empty")
			}

			ctx := cmd.Context()
			svc, err := buildServices(ctx)
			if err != nil {
				return err
			}
			defer svc.close()

			space, err := storage.NewUserRepository(svc.db).CreateSpace(ctx, userID, name, setDefault)
			if errors.Is(err, storage.ErrConflict) {
				return fmt.Errorf("space %q already exists for user %d", name, userID)
			}
			if err != nil {
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(space)
			}
			color.New(color.FgGreen).Printf("✓ created space %q (id %d)\n", space.Name, space.ID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user ID owning the space (required)")
	cmd.Flags().BoolVar(&setDefault, "default", false, "make this the user's default space")
	return cmd
}
