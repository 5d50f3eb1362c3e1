// libctl 是运维命令行：执行数据库迁移、创建账号。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"libraryhub/internal/api"
	"libraryhub/internal/config"
	"libraryhub/internal/model"
	"libraryhub/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "libctl",
		Short:         "libraryhub administration tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json (default configs/config.json)")

	root.AddCommand(newMigrateCmd(&configPath), newCreateUserCmd(&configPath))
	return root
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer store.Close(db)
			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration complete")
			return nil
		},
	}
}

func newCreateUserCmd(configPath *string) *cobra.Command {
	var (
		email    string
		fullName string
		role     string
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account (prompts for the password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !model.ValidRole(role) {
				return fmt.Errorf("role must be one of %s, %s, %s", model.RoleMember, model.RoleLibrarian, model.RoleAdmin)
			}
			password, err := readPassword(cmd, "Password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword(cmd, "Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer store.Close(db)
			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			user, created, err := api.EnsureUser(context.Background(), store.NewUserStore(db), email, password, fullName, role)
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("user %s already exists (id %d)", user.Email, user.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s (id %d)\n", user.Role, user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&fullName, "name", "", "full name")
	cmd.Flags().StringVar(&role, "role", model.RoleLibrarian, "member, librarian or admin")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func openDB(configPath string) (*gorm.DB, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.MySQL.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

// readPassword 从终端读取密码，不回显。
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
