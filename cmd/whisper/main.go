package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/whisper-chat/whisper/internal/config"
	"github.com/whisper-chat/whisper/internal/keystore"
	"github.com/whisper-chat/whisper/internal/localstore"
	"github.com/whisper-chat/whisper/internal/transport"
)

const sessionTokenKey = "session.token"

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "whisper",
		Short: "Whisper - end-to-end encrypted chat client",
		Long:  `A terminal client for the Whisper encrypted chat network. Messages are sealed on this device; the relay only ever sees ciphertext.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			godotenv.Load()
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.whisper/config.toml)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(addContactCmd())
	rootCmd.AddCommand(exportKeyCmd())
	rootCmd.AddCommand(importKeyCmd())
	rootCmd.AddCommand(safetyNumberCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".whisper", "config.toml")
}

func loadConfig() error {
	path := configPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg = config.DefaultConfig()
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if url := os.Getenv("WHISPER_RELAY_URL"); url != "" {
		cfg.Relay.URL = url
	}
	return nil
}

// openLocal opens the local state database and the device key pair, creating
// both on first use.
func openLocal() (*localstore.Store, *keystore.Store, error) {
	local, err := localstore.Open(cfg.StatePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local state: %w", err)
	}
	keys, err := keystore.Open(local)
	if err != nil {
		local.Close()
		return nil, nil, fmt.Errorf("failed to open key store: %w", err)
	}
	return local, keys, nil
}

// signIn resumes the persisted anonymous session or mints a fresh identity,
// then persists the (possibly rotated) token.
func signIn(ctx context.Context, local *localstore.Store) (*transport.Session, error) {
	session := transport.New(cfg.Relay.URL)

	var resume string
	if saved, err := local.Get(sessionTokenKey); err == nil && saved != nil {
		resume = string(saved)
	}
	if err := session.SignIn(ctx, resume); err != nil {
		return nil, err
	}
	if err := local.Put(sessionTokenKey, []byte(session.Token())); err != nil {
		return nil, fmt.Errorf("failed to persist session token: %w", err)
	}
	return session, nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the client configuration and device identity",
		RunE:  runInit,
	}
	cmd.Flags().String("relay-url", "http://localhost:8080", "Relay server URL")
	cmd.Flags().String("data-dir", "", "Local state directory (default is ~/.whisper)")
	cmd.Flags().String("username", "", "Display name published to contacts")
	return cmd
}

func runInit(cmd *cobra.Command, args []string) error {
	relayURL, _ := cmd.Flags().GetString("relay-url")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	username, _ := cmd.Flags().GetString("username")

	cfg.Relay.URL = relayURL
	if dataDir != "" {
		cfg.Client.DataDir = dataDir
	}
	cfg.Client.Username = username

	if err := cfg.Save(configPath()); err != nil {
		return err
	}

	local, keys, err := openLocal()
	if err != nil {
		return err
	}
	defer local.Close()

	fmt.Println("Config written to", configPath())
	fmt.Println("Public key:", keys.PublicKeyBase64())
	fmt.Println("Run 'whisper run' to connect; 'whisper whoami' prints the id to share with contacts.")
	return nil
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the id other users need to add you",
		RunE: func(cmd *cobra.Command, args []string) error {
			local, keys, err := openLocal()
			if err != nil {
				return err
			}
			defer local.Close()

			session, err := signIn(cmd.Context(), local)
			if err != nil {
				return err
			}
			fmt.Println("User id:   ", session.UserID())
			fmt.Println("Public key:", keys.PublicKeyBase64())
			return nil
		},
	}
}
