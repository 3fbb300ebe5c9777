package cli

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/repairer5812/ai-email-summarizer/internal/credential"
	"github.com/repairer5812/ai-email-summarizer/internal/llm"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure the mail account, vault and model backend",
	Long: `Setup walks through the account and backend configuration. Settings are
stored in the index database; the IMAP password and any cloud API key go
into the OS keyring and never touch the database or config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		settings, err := dbClient.LoadSettings(ctx)
		if err != nil {
			return err
		}

		in := bufio.NewReader(cmd.InOrStdin())

		cmd.Println("IMAP account")
		settings.IMAPHost = prompt(cmd, in, "  Host", settings.IMAPHost)
		settings.IMAPPort = promptInt(cmd, in, "  Port", settings.IMAPPort)
		settings.IMAPUser = prompt(cmd, in, "  User", settings.IMAPUser)
		settings.IMAPFolder = prompt(cmd, in, "  Folder", settings.IMAPFolder)
		settings.SenderFilter = prompt(cmd, in, "  Sender filter (empty for all)", settings.SenderFilter)
		settings.SyncWindow = promptInt(cmd, in, "  Sync window in days", settings.SyncWindow)

		password, err := promptSecret(cmd, "  Password (empty to keep stored)")
		if err != nil {
			return err
		}
		if password != "" {
			if err := credential.Set(credential.IMAPKey(settings.IMAPUser, settings.IMAPHost), password); err != nil {
				return fmt.Errorf("store password in keyring: %w", err)
			}
		}

		cmd.Println("\nExport")
		settings.VaultRoot = prompt(cmd, in, "  Vault directory", settings.VaultRoot)

		cmd.Println("\nSummarization")
		settings.LLMBackend = prompt(cmd, in, "  Backend (local, ollama, cloud)", settings.LLMBackend)
		switch settings.LLMBackend {
		case llm.BackendCloud:
			settings.CloudProvider = prompt(cmd, in, "  Provider (openai, anthropic, bedrock)", settings.CloudProvider)
			if settings.CloudProvider != llm.CloudBedrock {
				key, err := promptSecret(cmd, "  API key (empty to keep stored)")
				if err != nil {
					return err
				}
				if key != "" {
					if err := credential.Set(credential.CloudKey(settings.CloudProvider), key); err != nil {
						return fmt.Errorf("store API key in keyring: %w", err)
					}
				}
			}
		default:
			settings.LocalModelID = prompt(cmd, in, "  Model ID", settings.LocalModelID)
		}

		if err := dbClient.SaveSettings(ctx, settings); err != nil {
			return err
		}
		cmd.Println("\nSettings saved. Run 'mailarch sync' to start archiving.")

		if settings.LLMBackend == llm.BackendLocal {
			model := llm.GetLocalModel(settings.LocalModelID)
			if !llm.ModelInstalled(cfg.DataRoot, model.ID) {
				cmd.Printf("Local model %s is not installed yet; run 'mailarch models install %s'.\n",
					model.ID, model.ID)
			}
		}
		return nil
	},
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label, current string) string {
	if current != "" {
		cmd.Printf("%s [%s]: ", label, current)
	} else {
		cmd.Printf("%s: ", label)
	}
	line, err := in.ReadString('\n')
	if err != nil {
		return current
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	return line
}

func promptInt(cmd *cobra.Command, in *bufio.Reader, label string, current int) int {
	raw := prompt(cmd, in, label, strconv.Itoa(current))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return current
	}
	return v
}

// promptSecret reads without echo so the secret never lands in the terminal
// scrollback.
func promptSecret(cmd *cobra.Command, label string) (string, error) {
	cmd.Printf("%s: ", label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	cmd.Println()
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
