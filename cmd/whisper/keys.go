package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper-chat/whisper/internal/cryptobox"
)

func exportKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-key",
		Short: "Print the private key for manual backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			local, keys, err := openLocal()
			if err != nil {
				return err
			}
			defer local.Close()

			fmt.Println("WARNING: anyone holding this key can read your messages.")
			fmt.Println(keys.Export())
			return nil
		},
	}
}

func importKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-key <private-key>",
		Short: "Replace the device key pair with an exported private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			local, keys, err := openLocal()
			if err != nil {
				return err
			}
			defer local.Close()

			if !keys.Import(args[0]) {
				return fmt.Errorf("invalid private key")
			}
			fmt.Println("Key imported. The new public key is published on the next 'whisper run'.")
			fmt.Println("Public key:", keys.PublicKeyBase64())
			return nil
		},
	}
}

func safetyNumberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "safety-number <contact-id>",
		Short: "Print the code to compare with a contact out of band",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid contact id: %w", err)
			}

			local, keys, err := openLocal()
			if err != nil {
				return err
			}
			defer local.Close()

			session, err := signIn(cmd.Context(), local)
			if err != nil {
				return err
			}
			profile, err := session.GetProfile(cmd.Context(), peer)
			if err != nil {
				return fmt.Errorf("failed to fetch contact profile: %w", err)
			}
			if profile.PublicKey == nil || *profile.PublicKey == "" {
				return fmt.Errorf("contact has not published a key yet")
			}

			number, err := cryptobox.SafetyNumber(keys.PublicKeyBase64(), *profile.PublicKey)
			if err != nil {
				return err
			}
			fmt.Println(number)
			fmt.Println("If both of you see the same code, the conversation is not being intercepted.")
			return nil
		},
	}
}
