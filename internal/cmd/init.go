package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NoPKT/agentim/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a config file",
		Long: `Generate a server config file with a fresh JWT secret.

Without --yes the command asks for the listen address, storage backend,
and initial admin account interactively.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "agentim.json"
			}
			yes, _ := cmd.Flags().GetBool("yes")
			force, _ := cmd.Flags().GetBool("force")
			return runInit(output, yes, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./agentim.json)")
	cmd.Flags().BoolP("yes", "y", false, "accept defaults without prompting")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

type initAnswers struct {
	addr          string
	driver        string
	dsn           string
	redisURL      string
	adminUser     string
	adminPassword string
}

func defaultAnswers() initAnswers {
	return initAnswers{
		addr:          ":8080",
		driver:        "sqlite",
		dsn:           "agentim.db",
		adminUser:     "admin",
		adminPassword: "change-me-now",
	}
}

func promptAnswers(p *cli.Prompter) initAnswers {
	a := defaultAnswers()
	a.addr = p.Ask("Listen address", a.addr)
	a.driver = p.Choose("Storage backend", []string{"sqlite", "postgres"}, 0)
	if a.driver == "postgres" {
		a.dsn = p.Ask("Postgres DSN", "postgres://localhost/agentim")
	} else {
		a.dsn = p.Ask("SQLite database file", a.dsn)
	}
	if p.Confirm("Configure Redis (multi-instance deployments)?", false) {
		a.redisURL = p.Ask("Redis URL", "redis://localhost:6379/0")
	}
	a.adminUser = p.Ask("Initial admin username", a.adminUser)
	if pw := p.AskPassword("Initial admin password (empty for a placeholder)"); pw != "" {
		a.adminPassword = pw
	}
	return a
}

func runInit(path string, yes, force bool) error {
	p := cli.DefaultPrompter()

	if !force {
		if _, err := os.Stat(path); err == nil {
			if yes || !p.Confirm(fmt.Sprintf("%s already exists, overwrite?", path), false) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	answers := defaultAnswers()
	if !yes {
		answers = promptAnswers(p)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}

	auth := map[string]any{
		"jwt_secret": hex.EncodeToString(secret),
		"initial_admin": map[string]string{
			"username": answers.adminUser,
			"password": answers.adminPassword,
		},
	}
	cfg := map[string]any{
		"server": map[string]any{
			"addr": answers.addr,
		},
		"auth": auth,
		"storage": map[string]any{
			"driver": answers.driver,
			"dsn":    answers.dsn,
		},
	}
	if answers.redisURL != "" {
		cfg["shared"] = map[string]any{"redis_url": answers.redisURL}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("wrote %s\n", path)
	if answers.adminPassword == "change-me-now" {
		fmt.Println("edit auth.initial_admin before first start")
	}
	return nil
}
