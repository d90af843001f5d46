package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/whisper-chat/whisper/internal/engine"
	"github.com/whisper-chat/whisper/internal/models"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and chat interactively",
		Long: `Connect to the relay and chat from the terminal. Type a message and press
enter to send it to the active contact. Commands start with a slash:

  /contacts              list contacts with unread counts
  /add <id> [name]       add a contact by their shared id
  /remove <contact>      remove a contact
  /chat <contact>        open a conversation (index, id or name)
  /send <file>           offer a file to the active contact
  /accept <msg-id>       accept a pending file offer
  /reject <msg-id>       reject a pending file offer
  /get <msg-id> [dir]    download an accepted file
  /edit <msg-id> <text>  edit a sent message
  /delete <msg-id>       delete a message for both sides
  /status <state>        set presence (online, away, busy)
  /name <name>           set the published display name
  /quit                  disconnect and exit`,
		RunE: runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, keys, err := openLocal()
	if err != nil {
		return err
	}
	defer local.Close()

	session, err := signIn(ctx, local)
	if err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}

	eng := engine.New(engine.Config{
		Backend: session,
		Dial: func(ctx context.Context) (engine.Channel, error) {
			return session.OpenChannel(ctx)
		},
		Keys:     keys,
		Contacts: local,
	})
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer eng.Stop()

	if cfg.Client.Username != "" && eng.MyUsername() == "" {
		if err := eng.UpdateName(ctx, cfg.Client.Username); err == nil {
			fmt.Println("Published display name:", cfg.Client.Username)
		}
	}

	go eng.RunReachability(ctx, 5*time.Second)

	fmt.Println("Connected as", eng.SelfID())
	fmt.Println("Type /help for commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ui := &repl{eng: eng}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nDisconnecting...")
			return nil
		case note := <-eng.Notifications():
			ui.printNotification(note)
		case <-ticker.C:
			ui.printNewMessages()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := ui.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// repl renders engine state to the terminal and dispatches input lines.
type repl struct {
	eng     *engine.Engine
	active  uuid.UUID
	printed int
}

func (u *repl) handle(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		u.eng.SendTypingSignal()
		if _, err := u.eng.SendMessage(ctx, line); err != nil {
			fmt.Println("!", err)
		}
		return false
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/help":
		fmt.Println("Commands: /contacts /add /remove /chat /send /accept /reject /get /edit /delete /status /name /quit")
	case "/contacts":
		u.printContacts()
	case "/add":
		if len(args) < 1 {
			fmt.Println("usage: /add <id> [name]")
			return false
		}
		name := "User"
		if len(args) > 1 {
			name = strings.Join(args[1:], " ")
		}
		contact, err := u.eng.AddContact(ctx, args[0], name)
		if err != nil {
			fmt.Println("!", err)
			return false
		}
		fmt.Printf("Added %s (%s)\n", contact.Name, contact.ID)
	case "/remove":
		id, ok := u.resolveContact(args)
		if !ok {
			return false
		}
		if err := u.eng.RemoveContact(id); err != nil {
			fmt.Println("!", err)
		}
	case "/chat":
		id, ok := u.resolveContact(args)
		if !ok {
			return false
		}
		if err := u.eng.SetActiveContact(ctx, id); err != nil {
			fmt.Println("!", err)
			return false
		}
		u.active = id
		u.printed = 0
		fmt.Println("--- conversation with", u.contactName(id), "---")
	case "/send":
		if len(args) < 1 {
			fmt.Println("usage: /send <file>")
			return false
		}
		path := strings.Join(args, " ")
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Println("!", err)
			return false
		}
		if err := u.eng.OfferFile(ctx, filepath.Base(path), data); err != nil {
			fmt.Println("!", err)
		}
	case "/accept", "/reject":
		id, ok := parseMessageID(args)
		if !ok {
			return false
		}
		if err := u.eng.RespondToFile(ctx, id, cmd == "/accept"); err != nil {
			fmt.Println("!", err)
		}
	case "/get":
		id, ok := parseMessageID(args)
		if !ok {
			return false
		}
		data, name, err := u.eng.DownloadFile(ctx, id)
		if err != nil {
			fmt.Println("!", err)
			return false
		}
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		dest := filepath.Join(dir, name)
		if err := os.WriteFile(dest, data, 0600); err != nil {
			fmt.Println("!", err)
			return false
		}
		fmt.Println("Saved", dest)
	case "/edit":
		if len(args) < 2 {
			fmt.Println("usage: /edit <msg-id> <text>")
			return false
		}
		id, ok := parseMessageID(args)
		if !ok {
			return false
		}
		if err := u.eng.EditMessage(ctx, id, strings.Join(args[1:], " ")); err != nil {
			fmt.Println("!", err)
		}
	case "/delete":
		id, ok := parseMessageID(args)
		if !ok {
			return false
		}
		if err := u.eng.DeleteMessage(ctx, id); err != nil {
			fmt.Println("!", err)
		}
	case "/status":
		if len(args) != 1 {
			fmt.Println("usage: /status <online|away|busy>")
			return false
		}
		status, ok := models.ParseStatus(args[0])
		if !ok {
			fmt.Println("! unknown status", args[0])
			return false
		}
		u.eng.ChangeStatus(ctx, status)
	case "/name":
		if len(args) < 1 {
			fmt.Println("usage: /name <name>")
			return false
		}
		if err := u.eng.UpdateName(ctx, strings.Join(args, " ")); err != nil {
			fmt.Println("!", err)
		}
	case "/quit":
		return true
	default:
		fmt.Println("! unknown command", cmd)
	}
	return false
}

func (u *repl) printContacts() {
	contacts := u.eng.Contacts()
	if len(contacts) == 0 {
		fmt.Println("No contacts yet. Add one with /add <id>.")
		return
	}
	unread := u.eng.UnreadCounts()
	for i, c := range contacts {
		marker := " "
		if n := unread[c.ID]; n > 0 {
			marker = fmt.Sprintf("(%d)", n)
		}
		fmt.Printf("%2d. %-20s %-8s %s %s\n", i+1, c.Name, u.eng.FriendStatus(c.ID), marker, c.ID)
	}
}

// printNewMessages renders everything appended to the active conversation
// since the last tick, own echoes included.
func (u *repl) printNewMessages() {
	if u.active == uuid.Nil {
		return
	}
	messages := u.eng.Messages()
	for ; u.printed < len(messages); u.printed++ {
		u.printMessage(messages[u.printed])
	}
	if peer := u.eng.TypingPeer(); peer == u.active {
		fmt.Printf("... %s is typing\n", u.contactName(peer))
	}
}

func (u *repl) printMessage(m models.Message) {
	who := u.contactName(m.SenderID)
	if m.SenderID == u.eng.SelfID() {
		who = "me"
	}
	switch {
	case m.IsDeleted:
		fmt.Printf("[%d] %s: (deleted)\n", m.ID, who)
	case m.Type == models.TypeFile:
		fmt.Printf("[%d] %s: file %q (%d bytes, %s)\n", m.ID, who, m.FileName, m.FileSize, m.FileStatus)
	default:
		suffix := ""
		if m.EditedAt != nil {
			suffix = " (edited)"
		}
		if !m.Decrypted {
			suffix += " [unencrypted]"
		}
		if m.ClientStatus == models.ClientError {
			suffix += " [failed]"
		}
		fmt.Printf("[%d] %s: %s%s\n", m.ID, who, m.Content, suffix)
	}
}

func (u *repl) printNotification(n engine.Notification) {
	switch n.Kind {
	case engine.NoteTypingStart, engine.NoteTypingEnd:
		// Rendered inline by printNewMessages for the active conversation.
	case engine.NoteKeyChanged:
		fmt.Printf("\n*** %s -- verify the safety number before trusting new messages\n", n.Body)
	default:
		switch {
		case n.Title != "" && n.Body != "":
			fmt.Printf("\n* %s: %s\n", n.Title, n.Body)
		case n.Body != "":
			fmt.Printf("\n* %s\n", n.Body)
		}
	}
}

// resolveContact accepts a 1-based list index, a full id, or a name.
func (u *repl) resolveContact(args []string) (uuid.UUID, bool) {
	if len(args) < 1 {
		fmt.Println("usage: expects a contact (index, id or name)")
		return uuid.Nil, false
	}
	arg := strings.Join(args, " ")
	contacts := u.eng.Contacts()

	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(contacts) {
		return contacts[n-1].ID, true
	}
	if id, err := uuid.Parse(arg); err == nil {
		return id, true
	}
	for _, c := range contacts {
		if strings.EqualFold(c.Name, arg) {
			return c.ID, true
		}
	}
	fmt.Println("! no such contact", arg)
	return uuid.Nil, false
}

func (u *repl) contactName(id uuid.UUID) string {
	for _, c := range u.eng.Contacts() {
		if c.ID == id {
			return c.Name
		}
	}
	return id.String()[:8]
}

func parseMessageID(args []string) (int64, bool) {
	if len(args) < 1 {
		fmt.Println("usage: expects a message id")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Println("! bad message id", args[0])
		return 0, false
	}
	return id, true
}
