// arena - match lifecycle and player gateway for Blockwarriors
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/blockwarriors/arena/internal/api"
	"github.com/blockwarriors/arena/internal/auth"
	"github.com/blockwarriors/arena/internal/broker"
	"github.com/blockwarriors/arena/internal/config"
	"github.com/blockwarriors/arena/internal/domain"
	"github.com/blockwarriors/arena/internal/gateway"
	"github.com/blockwarriors/arena/internal/match"
	"github.com/blockwarriors/arena/internal/storage"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"
)

var version = "dev"

const defaultConfigPath = "/etc/arena/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "matches":
		cmdMatches(os.Args[2:])
	case "sweep":
		cmdSweep(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("arena %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: arena <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the HTTP API and player gateway")
	fmt.Println("  matches [--status S] [--recent N]   Show recent matches (default: 20)")
	fmt.Println("  sweep                               Terminate stale matches once and exit")
	fmt.Println("  user add [--admin] <username>       Add an operator (prompts for password)")
	fmt.Println("  user remove <username>              Remove an operator")
	fmt.Println("  user list                           List all operators")
	fmt.Println("  user reset <username>               Reset an operator's password")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/arena/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  arena serve --config /etc/arena/config.yml")
	fmt.Println("  arena matches --status Waiting")
	fmt.Println("  arena user add --admin myuser")
}

// cmdServe starts the API server, gateway and sweeper
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Arena %s starting...", version)

	// Initialize storage
	store, err := storage.New(cfg.Database.Path, storage.WithTokenTTL(cfg.Match.TokenTTL))
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start event fan-out is optional
	var publisher *broker.Publisher
	natsURL := cfg.Broker.URL
	if cfg.Broker.Embedded {
		ns, err := broker.RunEmbedded(cfg.Server.ListenAddr, cfg.Broker.EmbeddedPort)
		if err != nil {
			log.Fatalf("Failed to start embedded NATS: %v", err)
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
		log.Printf("Embedded NATS listening on %s", natsURL)
	}
	if natsURL != "" {
		publisher, err = broker.Connect(natsURL, cfg.Broker.StartSubject, "arena-"+version)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer publisher.Close()
		log.Printf("Publishing match starts on %s", publisher.Subject())
	}

	matches := match.NewService(store)

	hub := gateway.NewHub(gateway.HubOptions{
		MessagesPerSecond: cfg.Gateway.MessagesPerSecond,
		MessageBurst:      cfg.Gateway.MessageBurst,
	})
	gwOpts := gateway.Options{
		Quorum:            cfg.Gateway.StartQuorum,
		PruneOnDisconnect: cfg.Gateway.PruneOnDisconnect,
	}
	// a nil *Publisher must not reach the gateway as a non-nil interface
	var gw *gateway.Gateway
	if publisher != nil {
		gw = gateway.New(gateway.NewRegistry(), store, hub, publisher, matches, gwOpts)
	} else {
		gw = gateway.New(gateway.NewRegistry(), store, hub, nil, matches, gwOpts)
	}
	hub.SetHandler(gw)
	go hub.Run()

	release := func(ids []string) { gw.Release(ids...) }
	sweeper := match.NewSweeper(store, match.SweepConfig{
		Interval:     cfg.Match.SweepInterval,
		QueueAge:     cfg.Match.StaleQueueAge,
		WaitingAge:   cfg.Match.StaleWaitingAge,
		OnTerminated: release,
	})
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}
	log.Printf("Sweeper started, running every %v", cfg.Match.SweepInterval)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Auth tokens will use an empty secret.")
	}

	router := api.NewRouter(store, matches, gw, hub, authService, cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	// Sequential shutdown
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping gateway...")
	hub.Stop()
	gw.Close()

	log.Println("Stopping sweeper...")
	sweeper.Stop()

	cancel()
	log.Println("Shutdown complete")
}

// openStore loads the config named by --config and opens its database
func openStore(fs *flag.FlagSet, args []string) (*config.Config, *storage.Store) {
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	store, err := storage.New(cfg.Database.Path, storage.WithTokenTTL(cfg.Match.TokenTTL))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	return cfg, store
}

func cmdMatches(args []string) {
	fs := flag.NewFlagSet("matches", flag.ExitOnError)
	statusFlag := fs.String("status", "", "only show matches with this status")
	limit := fs.Int("recent", 20, "number of recent matches to show")
	_, store := openStore(fs, args)
	defer store.Close()

	var status *domain.MatchStatus
	if *statusFlag != "" {
		st, ok := domain.ParseMatchStatus(*statusFlag)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", *statusFlag)
			os.Exit(1)
		}
		status = &st
	}

	matches, err := store.ListMatches(context.Background(), status, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tMODE\tSTATUS\tCREATED\tWINNER")
	fmt.Fprintln(w, "--\t----\t----\t------\t-------\t------")

	for _, m := range matches {
		winner := "-"
		if m.WinnerTeamID != nil {
			winner = m.TeamOf(*m.WinnerTeamID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, m.Type, m.Mode, m.Status, m.CreatedAt.Local().Format("2006-01-02 15:04"), winner)
	}

	w.Flush()
}

// cmdSweep runs the stale match sweep once
func cmdSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	cfg, store := openStore(fs, args)
	defer store.Close()

	sweeper := match.NewSweeper(store, match.SweepConfig{
		QueueAge:   cfg.Match.StaleQueueAge,
		WaitingAge: cfg.Match.StaleWaitingAge,
	})
	terminated, err := sweeper.RunOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Terminated %d stale match(es)\n", len(terminated))
	for _, id := range terminated {
		fmt.Printf("  %s\n", id)
	}
}

// cmdUser handles user subcommands
func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add, remove, list, reset\n")
		os.Exit(1)
	}

	subCmd := args[0]
	fs := flag.NewFlagSet("user "+subCmd, flag.ExitOnError)
	isAdmin := fs.Bool("admin", false, "create as admin user")
	_, store := openStore(fs, args[1:])
	defer store.Close()

	ctx := context.Background()
	remaining := fs.Args()

	var err error
	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, remaining, *isAdmin)
	case "remove":
		err = cmdUserRemove(ctx, store, remaining)
	case "list":
		err = cmdUserList(ctx, store)
	case "reset":
		err = cmdUserReset(ctx, store, remaining)
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, list, reset)", subCmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// readNewPassword prompts twice and checks the length
func readNewPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(password), nil
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arena user add [--admin] <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := readNewPassword("Enter password: ")
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.CreateUser(ctx, username, hash, isAdmin); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	roleStr := "user"
	if isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arena user remove <username>")
	}
	username := args[0]

	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}

	fmt.Printf("User '%s' removed\n", username)
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t----------")

	for _, user := range users {
		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", user.Username, role, lastLogin)
	}
	return w.Flush()
}

func cmdUserReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arena user reset <username>")
	}
	username := args[0]

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("user not found: %s", username)
	}

	password, err := readNewPassword("Enter new password: ")
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password reset for '%s'\n", username)
	return nil
}
