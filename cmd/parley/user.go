package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/auth"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/models"
	"golang.org/x/term"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "User management commands",
	}

	cmd.AddCommand(newUserCreateCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var (
		configPath string
		email      string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		Long:  "Creates a user with an email and password. Without --password, the password is read from the terminal without echo.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(cmd, configPath, email, password)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	cmd.Flags().StringVar(&email, "email", "", "email address for the new account")
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func runUserCreate(cmd *cobra.Command, configPath, email, password string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if password == "" {
		password, err = promptPassword(cmd)
		if err != nil {
			return err
		}
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	user := models.User{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
	}
	if err := gormDB.Create(&user).Error; err != nil {
		if db.IsDuplicateEntry(err) {
			return fmt.Errorf("user %s already exists", user.Email)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (id %d)\n", user.Email, user.ID)
	return nil
}

// promptPassword reads the password from the terminal without echo, asking
// twice to catch typos.
func promptPassword(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	fd := int(os.Stdin.Fd())

	fmt.Fprint(out, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	fmt.Fprint(out, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
