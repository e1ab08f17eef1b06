// Package cli implements the solchat command set. Commands share one wiring
// path: environment config, the local session store, then a relay client
// authenticated as the logged-in wallet.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"solchat/internal/config"
	"solchat/internal/observability/logging"
)

func RunCLI(prog string, args []string, stderr io.Writer) error {
	if len(args) < 1 {
		return UsageError{Program: prog}
	}
	cmd := args[0]
	rest := args[1:]
	var err error
	switch cmd {
	case "login":
		err = runLogin(rest)
	case "logout":
		err = runLogout(rest)
	case "contacts":
		err = runContacts(rest)
	case "search":
		err = runSearch(rest)
	case "send":
		err = runSend(rest)
	case "listen":
		err = runListen(rest)
	case "send-file":
		err = runSendFile(rest)
	case "download":
		err = runDownload(rest)
	default:
		return UsageError{Program: prog}
	}
	if err != nil {
		if stderr == nil {
			stderr = os.Stderr
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return err
}

type UsageError struct {
	Program string
}

func (u UsageError) Error() string {
	if u.Program == "" {
		u.Program = "solchat"
	}
	return fmt.Sprintf("Usage: %s <command> [options]", u.Program)
}

func (UsageError) UsageLines() []string {
	return []string{
		"Commands:",
		"  login      Sign the login challenge and create a session",
		"  logout     Clear the local session",
		"  contacts   Scan the inbox for conversation partners",
		"  search     Find searchable users by name or wallet prefix",
		"  send       Encrypt and send a message",
		"  listen     Print a conversation and follow live updates",
		"  send-file  Encrypt and send a file",
		"  download   Perform the one-time download of a received file",
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Config{
		ServiceName: "solchat",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
}
