package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/af-corp/copilot-bridge/internal/config"
	"github.com/af-corp/copilot-bridge/internal/credential"
	"github.com/af-corp/copilot-bridge/internal/redact"
	flag "github.com/spf13/pflag"
)

func main() {
	configDir := flag.StringP("config", "c", "configs", "path to configuration directory")
	showToken := flag.Bool("show-token", false, "print the credential unmasked")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loader := config.NewLoader(*configDir, logger)
	if err := loader.Load(); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: cfg.Credential.Timeout}
	flow := credential.NewDeviceFlow(cfg.Credential.OAuthURL, cfg.Credential.ClientID, client, func(dc *credential.DeviceCode) {
		fmt.Printf("Open %s and enter the code: %s\n", dc.VerificationURI, dc.UserCode)
		fmt.Println("Waiting for authorization...")
	})

	identity, err := flow.Login(ctx)
	if err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}

	store := credential.NewFileStore(cfg.Credential.TokenPath)
	if err := store.Write(identity); err != nil {
		logger.Error("failed to save credential", "error", err)
		os.Exit(1)
	}

	exchange := credential.NewExchangeClient(cfg.Credential.APIURL, cfg.Upstream, client)
	if user, err := exchange.User(ctx, identity); err == nil {
		fmt.Printf("Logged in as %s\n", user)
	}

	shown := redact.Mask(identity)
	if *showToken {
		shown = identity
	}
	fmt.Printf("Credential %s saved to %s\n", shown, store.Path)
}
