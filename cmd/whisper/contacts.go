package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper-chat/whisper/internal/models"
)

func addContactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-contact <id> [name]",
		Short: "Add a contact by the id they shared with you",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid contact id: %w", err)
			}

			local, _, err := openLocal()
			if err != nil {
				return err
			}
			defer local.Close()

			session, err := signIn(cmd.Context(), local)
			if err != nil {
				return err
			}
			if id == session.UserID() {
				return fmt.Errorf("cannot add yourself as a contact")
			}
			existing, err := local.Contacts()
			if err != nil {
				return err
			}
			for _, c := range existing {
				if c.ID == id {
					return fmt.Errorf("contact already exists: %s", c.Name)
				}
			}

			profile, err := session.GetProfile(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("no such user: %s", id)
			}

			name := "User"
			if len(args) > 1 {
				name = args[1]
			}
			if profile.Username != nil && *profile.Username != "" {
				name = *profile.Username
			}
			if err := local.SaveContact(models.Contact{ID: id, Name: name}); err != nil {
				return err
			}
			fmt.Printf("Added %s (%s)\n", name, id)
			return nil
		},
	}
}
