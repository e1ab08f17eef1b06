package cli

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"solchat/internal/config"
	"solchat/internal/cryptobox"
	"solchat/internal/domain"
	"solchat/internal/filetransfer"
	"solchat/internal/observability/debug"
	"solchat/internal/observability/metrics"
	"solchat/internal/reconcile"
	"solchat/internal/relay"
	"solchat/internal/session"
)

const defaultWalletFile = "solchat-wallet.key"

// app is the shared wiring behind every command that talks to the relay.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *session.Store
	state  session.State
	client *relay.Client
}

func openApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := newLogger(cfg)
	store, err := session.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	state, err := store.Load()
	if errors.Is(err, session.ErrCorruptSession) {
		// Forced logout: corrupt key material is never repaired.
		logger.Warn("stored session is corrupt, clearing it")
		_ = store.Clear()
		return nil, fmt.Errorf("stored session was corrupt and has been cleared, log in again")
	}
	if errors.Is(err, session.ErrNoSession) {
		return nil, fmt.Errorf("not logged in, run login first")
	}
	if err != nil {
		return nil, err
	}
	client, err := relay.New(ctx, relay.Config{
		DatabaseURL:   cfg.DatabaseURL,
		JWTSecret:     cfg.JWTSecret,
		WalletAddress: state.WalletAddress,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store, state: state, client: client}, nil
}

func (a *app) close() {
	a.client.Close()
}

func (a *app) identity() reconcile.Identity {
	return reconcile.Identity{WalletAddress: a.state.WalletAddress, Keys: a.state.Keys}
}

// contactFor resolves a wallet address through the directory so the contact
// carries the public encryption key both send paths need.
func (a *app) contactFor(ctx context.Context, wallet string) (domain.Contact, error) {
	u, err := a.client.UserByWallet(ctx, wallet)
	if errors.Is(err, relay.ErrUserNotFound) {
		return domain.Contact{}, fmt.Errorf("wallet %s has never logged in, no public key published", wallet)
	}
	if err != nil {
		return domain.Contact{}, err
	}
	return domain.Contact{
		WalletAddress:       u.WalletAddress,
		Username:            u.Username,
		PublicEncryptionKey: u.PublicEncryptionKey,
	}, nil
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	walletFile := fs.String("wallet-file", getenv("SOLCHAT_WALLET_FILE", defaultWalletFile), "ed25519 wallet seed file")
	username := fs.String("username", "", "public display name (optional)")
	searchable := fs.Bool("searchable", true, "allow other users to find this wallet via search")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	logger := newLogger(cfg)
	priv, created, err := loadOrCreateWallet(*walletFile)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("new wallet created at %s\n", *walletFile)
	}
	wallet := walletAddress(priv.Public().(ed25519.PublicKey))

	signature := ed25519.Sign(priv, []byte(LoginChallenge))
	keys, err := cryptobox.DeriveKeyPair(signature)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := relay.New(ctx, relay.Config{
		DatabaseURL:   cfg.DatabaseURL,
		JWTSecret:     cfg.JWTSecret,
		WalletAddress: wallet,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Migrate(ctx); err != nil {
		return err
	}
	user, err := client.UpsertUser(ctx, relay.User{
		WalletAddress:       wallet,
		PublicEncryptionKey: cryptobox.EncodeKey(keys.Public),
		Username:            *username,
		IsSearchable:        *searchable,
	})
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	if err := store.Save(session.State{
		WalletAddress: wallet,
		Keys:          keys,
		Username:      user.Username,
		Searchable:    user.IsSearchable,
	}); err != nil {
		return err
	}
	fmt.Printf("logged in as %s\n", wallet)
	return nil
}

func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg := config.Load()
	store, err := session.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func runContacts(args []string) error {
	fs := flag.NewFlagSet("contacts", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	scanner := reconcile.NewScanner(a.client, a.client, a.identity(), a.logger)
	scanner.Chunk = a.cfg.ScanChunk
	scanner.MaxScan = a.cfg.ScanMax

	var last []domain.Contact
	if err := scanner.Scan(ctx, func(contacts []domain.Contact) {
		last = contacts
	}); err != nil {
		return err
	}
	if len(last) == 0 {
		fmt.Println("no conversations yet")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WALLET\tNAME\tUNREAD\tLAST\tPREVIEW")
	for _, c := range last {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			c.WalletAddress, c.Username, c.Unread,
			c.LastMessageAt.Local().Format(time.RFC3339), preview(c.LastText))
	}
	return w.Flush()
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	term := fs.String("term", "", "username or wallet prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*term) == "" {
		return fmt.Errorf("search term is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	users, err := a.client.SearchUsers(ctx, *term, a.state.WalletAddress)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, u := range users {
		name := u.Username
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%s  %s\n", u.WalletAddress, name)
	}
	return nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	to := fs.String("to", "", "recipient wallet address")
	message := fs.String("message", "", "message text (if empty, read stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*to) == "" {
		return fmt.Errorf("recipient wallet is required")
	}
	text, err := resolveText(*message)
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("message must not be empty")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	contact, err := a.contactFor(ctx, *to)
	if err != nil {
		return err
	}
	r := reconcile.New(a.client, a.client, a.identity(), a.logger)
	conv, err := r.Open(ctx, contact)
	if err != nil {
		return err
	}
	defer r.Close()
	row, err := r.Send(ctx, conv, text)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", row.ID)
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	with := fs.String("with", "", "conversation partner wallet address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*with) == "" {
		return fmt.Errorf("conversation partner is required")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cfg.DebugAddr != "" {
		metrics.MustRegister()
		srv := debug.NewServer(a.cfg.DebugAddr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("debug listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	contact, err := a.contactFor(ctx, *with)
	if err != nil {
		return err
	}
	r := reconcile.New(a.client, a.client, a.identity(), a.logger)
	conv, err := r.Open(ctx, contact)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, m := range conv.Messages {
		printMessage(a.state.WalletAddress, m)
	}
	if err := r.MarkRead(ctx, conv); err != nil {
		a.logger.Warn("mark read failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-conv.Updates:
			if !ok {
				return fmt.Errorf("change feed closed, reconnect to resume")
			}
			if !r.Apply(conv, ev) {
				continue
			}
			if msg, found := conv.MessageByID(ev.Row.ID); found {
				printMessage(a.state.WalletAddress, msg)
			}
			if ev.Op == "INSERT" {
				if err := r.MarkRead(ctx, conv); err != nil {
					a.logger.Warn("mark read failed", "error", err)
				}
			}
		}
	}
}

func runSendFile(args []string) error {
	fs := flag.NewFlagSet("send-file", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	to := fs.String("to", "", "recipient wallet address")
	path := fs.String("path", "", "file to send")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*to) == "" {
		return fmt.Errorf("recipient wallet is required")
	}
	if strings.TrimSpace(*path) == "" {
		return fmt.Errorf("file path is required")
	}
	data, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	contact, err := a.contactFor(ctx, *to)
	if err != nil {
		return err
	}
	pipeline := filetransfer.New(a.client, a.client, a.state.WalletAddress, a.state.Keys, a.logger)
	row, err := pipeline.Send(ctx, contact, filetransfer.Upload{
		Name:     filepath.Base(*path),
		MIMEType: detectMIME(*path, data),
		Data:     data,
	})
	if err != nil {
		return err
	}
	fmt.Printf("file sent, message %s\n", row.ID)
	return nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	idStr := fs.String("id", "", "file message id")
	out := fs.String("out", "", "output path (default: original file name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := uuid.Parse(strings.TrimSpace(*idStr))
	if err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	row, err := a.client.RowByID(ctx, id)
	if err != nil {
		return err
	}
	if !row.IsFile || row.FileInfo == nil {
		return fmt.Errorf("message %s carries no file", id)
	}
	pipeline := filetransfer.New(a.client, a.client, a.state.WalletAddress, a.state.Keys, a.logger)
	data, err := pipeline.Receive(ctx, domain.Message{ID: row.ID, IsFile: true, File: row.FileInfo})
	if errors.Is(err, domain.ErrFileUnavailable) {
		return fmt.Errorf("file already downloaded or expired, the blob is gone")
	}
	if err != nil {
		return err
	}
	target := *out
	if target == "" {
		target = row.FileInfo.Name
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return err
	}
	fmt.Printf("saved %d bytes to %s\n", len(data), target)
	return nil
}

func printMessage(me string, m domain.Message) {
	who := m.Sender
	if m.Sender == me {
		who = "me"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.RFC3339), who, m.Text)
	if m.Status != "" {
		line += fmt.Sprintf(" (%s)", m.Status)
	}
	if len(m.Reactions) > 0 {
		var parts []string
		for emoji, wallets := range m.Reactions {
			parts = append(parts, fmt.Sprintf("%s x%d", emoji, len(wallets)))
		}
		line += "  " + strings.Join(parts, " ")
	}
	fmt.Println(line)
}

func resolveText(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func detectMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func preview(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 40 {
		return text[:37] + "..."
	}
	return text
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
