package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"orchestrator/pkg/config"
	"orchestrator/pkg/httpapi"
)

// secretsProjectDir is the directory .orchestrator/secrets.json.enc lives
// under. The orchestrator has no multi-project concept (one process, one
// database), so the process's working directory is the project directory.
const secretsProjectDir = "."

// loadSecretsIfPresent decrypts .orchestrator/secrets.json.enc into memory
// at boot, if an operator previously ran -set-secrets. The passphrase comes
// from ORCHESTRATOR_SECRETS_PASSWORD for passwordless, non-interactive
// startup (e.g. under systemd); otherwise it's read from the terminal with
// echo disabled via golang.org/x/term.
func loadSecretsIfPresent() error {
	if !config.SecretsFileExists(secretsProjectDir) {
		return nil
	}

	password := os.Getenv("ORCHESTRATOR_SECRETS_PASSWORD")
	if password == "" {
		fmt.Print("Enter password to unlock .orchestrator/secrets.json.enc: ")
		raw, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read secrets password: %w", err)
		}
		password = string(raw)
		for i := range raw {
			raw[i] = 0
		}
	}

	secrets, err := config.DecryptSecretsFile(secretsProjectDir, password)
	if err != nil {
		return fmt.Errorf("unlock secrets file: %w", err)
	}

	config.SetDecryptedSecrets(secrets)
	config.SetProjectPassword(password)
	return nil
}

// runSetSecrets is the -set-secrets flow: collect LLM and object-store
// credentials plus a project password, encrypt them to
// .orchestrator/secrets.json.enc, and exit. Grounded on the teacher's
// handleCredentialStorage/promptForPassword bootstrap prompt, narrowed to
// this orchestrator's own credential set (LLM provider keys and S3 access
// keys, not a VCS token).
func runSetSecrets() error {
	fmt.Println()
	fmt.Println("Credential Storage")
	fmt.Println()
	fmt.Println("By default the orchestrator reads LLM and object-store credentials from")
	fmt.Println("environment variables. This will encrypt them into")
	fmt.Println(".orchestrator/secrets.json.enc instead, gated by a password you choose.")
	fmt.Println()

	password, err := promptForSecretsPassword()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	secrets := make(map[string]string)
	promptOptional := func(label, envName string) {
		fmt.Printf("Enter %s (optional, press Enter to skip): ", label)
		if scanner.Scan() {
			if v := strings.TrimSpace(scanner.Text()); v != "" {
				secrets[envName] = v
			}
		}
	}

	promptOptional(config.EnvAnthropicAPIKey, config.EnvAnthropicAPIKey)
	promptOptional(config.EnvOpenAIAPIKey, config.EnvOpenAIAPIKey)
	promptOptional(config.EnvGoogleAPIKey, config.EnvGoogleAPIKey)
	promptOptional(config.EnvObjectStoreKey, config.EnvObjectStoreKey)
	promptOptional(config.EnvObjectStoreSec, config.EnvObjectStoreSec)

	fmt.Println()
	fmt.Println("Encrypting and saving credentials...")
	if err := config.EncryptSecretsFile(secretsProjectDir, password, secrets); err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	fmt.Println("Credentials saved to .orchestrator/secrets.json.enc (file permissions: 0600)")
	return nil
}

// promptForSecretsPassword prompts for a password with confirmation, using
// term.ReadPassword so it never echoes to the terminal.
func promptForSecretsPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Println()
		fmt.Print("Choose a password for this project: ")
		password1, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}

		fmt.Print("Confirm password: ")
		password2, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}

		if !bytes.Equal(password1, password2) {
			for i := range password1 {
				password1[i] = 0
			}
			for i := range password2 {
				password2[i] = 0
			}
			if attempt < maxAttempts {
				fmt.Println("passwords do not match, try again")
				continue
			}
			return "", fmt.Errorf("passwords did not match after %d attempts", maxAttempts)
		}

		password := string(password1)
		for i := range password1 {
			password1[i] = 0
		}
		for i := range password2 {
			password2[i] = 0
		}

		fmt.Println()
		fmt.Println("This password unlocks .orchestrator/secrets.json.enc and also doubles as")
		fmt.Println("the WebUI Basic-Auth password (username: " + httpapi.BasicAuthUser + ").")
		fmt.Println("Set ORCHESTRATOR_SECRETS_PASSWORD for passwordless startup.")

		return password, nil
	}
	return "", fmt.Errorf("failed to get matching passwords")
}
