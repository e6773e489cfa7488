package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"skylark/internal/cache"
	"skylark/internal/config"
	"skylark/internal/engine"
	"skylark/internal/logging"
	"skylark/internal/metrics"
	"skylark/internal/model"
	"skylark/internal/oauth"
	"skylark/internal/store"
	"skylark/internal/theme"
	"skylark/internal/timeline"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "authorize":
		cmdAuthorize()
	case "run":
		cmdRun()
	case "post":
		cmdPost()
	default:
		printHelp()
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: skylark <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./skylark.yaml")
	fmt.Println("  authorize   Authorize an account with a PIN")
	fmt.Println("  run         Keep categories fresh until interrupted")
	fmt.Println("  post        Publish one status update")
}

func fatal(err error) {
	fmt.Println("error:", err)
	os.Exit(1)
}

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	return cfg
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./skylark.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	if err := config.Save(*path, config.Default()); err != nil {
		fatal(err)
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
}

func cmdAuthorize() {
	fs := flag.NewFlagSet("authorize", flag.ExitOnError)
	cfgPath := fs.String("config", "./skylark.yaml", "config path")
	root := fs.String("oauth-root", "https://api.twitter.com/oauth", "OAuth endpoint root")
	_ = fs.Parse(os.Args[2:])
	cfg := loadConfig(*cfgPath)

	ctx := context.Background()
	signer := oauth.NewSigner(cfg.Consumer.Key, cfg.Consumer.Secret, &model.Credential{})
	auth := oauth.NewAuthorizer(signer, *root)
	url, err := auth.BeginAuthorization(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Println("Open this URL, approve access, and enter the PIN:")
	fmt.Println(" ", url)
	fmt.Print("PIN: ")
	rd := bufio.NewReader(os.Stdin)
	pin, err := rd.ReadString('\n')
	if err != nil {
		fatal(err)
	}
	cred, err := auth.CompletePIN(ctx, strings.TrimSpace(pin))
	if err != nil {
		fatal(err)
	}

	replaced := false
	for i, a := range cfg.Accounts {
		if a.Name == cred.Name || model.UserID(a.UserID) == cred.UserID {
			cfg.Accounts[i] = config.Account(cred)
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Accounts = append(cfg.Accounts, config.Account(cred))
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("Authorized %s (ID %d)\n", cred.Name, cred.UserID)
}

// buildEngine assembles the cache, optional archive, engine and category
// set from one loaded config.
func buildEngine(cfg config.Config) (*engine.Engine, func()) {
	hooks := cache.Hooks{}
	cleanup := func() {}
	var cursors engine.Cursors
	if cfg.Storage.DBPath != "" {
		archive, err := store.Open(cfg.Storage.DBPath)
		if err != nil {
			fatal(err)
		}
		hooks = archive.Hooks()
		cursors = archive
		cleanup = func() { _ = archive.Close() }
	}
	c := cache.New(hooks)

	eng := engine.New(engine.Options{
		BaseURL:        cfg.Connection.BaseURL,
		StreamURL:      cfg.Connection.StreamURL,
		ConsumerKey:    cfg.Consumer.Key,
		ConsumerSecret: cfg.Consumer.Secret,
		Streaming:      cfg.Connection.Streaming,
		Cursors:        cursors,
		Notify: engine.Notifications{
			StreamConnected: func(cred *model.Credential) {
				logging.Info("stream connected", map[string]any{"account": cred.Name})
			},
			StreamDisconnected: func(cred *model.Credential) {
				logging.Info("stream disconnected", map[string]any{"account": cred.Name})
			},
			RateLimitChanged: func(w model.RateWindow) {
				logging.Debug("rate window", map[string]any{
					"account":   w.Account.Name,
					"remaining": w.Remaining,
					"limit":     w.Limit,
					"reset":     w.Reset,
				})
			},
		},
		Authenticate: func(cred *model.Credential) bool {
			logging.Warn("account not authorized, run `skylark authorize`", map[string]any{"account": cred.Name})
			return false
		},
	}, c)

	creds := make(map[string]*model.Credential, len(cfg.Accounts))
	var first *model.Credential
	for _, a := range cfg.Accounts {
		cred := a.Credential()
		eng.AddCredential(cred)
		creds[a.Name] = cred
		if first == nil {
			first = cred
		}
	}
	for _, cc := range cfg.Categories {
		f := &timeline.Filter{}
		for _, sc := range cc.Sources {
			cred := first
			if sc.Account != "" {
				cred = creds[sc.Account]
			}
			if cred == nil {
				continue
			}
			if src := buildSource(eng, sc, cred); src != nil {
				f.Sources = append(f.Sources, src)
			}
		}
		for _, tc := range cc.Terms {
			if term := buildTerm(tc); term != nil {
				f.Terms = append(f.Terms, term)
			}
		}
		eng.AddCategory(timeline.NewCategory(cc.Name, f, cc.IntervalDuration(), cfg.Timeline.MaxEntries))
	}
	return eng, cleanup
}

func buildSource(eng *engine.Engine, sc config.SourceConfig, cred *model.Credential) timeline.Source {
	switch sc.Kind {
	case "home":
		return &timeline.Home{Cred: cred, Follows: eng.Follows(cred)}
	case "mentions":
		return &timeline.Mentions{Cred: cred}
	case "sent":
		return &timeline.Sent{Cred: cred}
	case "dm-received":
		return &timeline.MessagesReceived{Cred: cred}
	case "dm-sent":
		return &timeline.MessagesSent{Cred: cred}
	case "favorites":
		return &timeline.Favorites{Cred: cred, Name: sc.Name}
	case "search":
		return &timeline.Search{Cred: cred, Query: sc.Query}
	case "user":
		return &timeline.User{Cred: cred, Name: sc.Name}
	case "notices":
		return &timeline.Notices{Cred: cred}
	}
	return nil
}

func buildTerm(tc config.TermConfig) timeline.Term {
	var term timeline.Term
	switch {
	case tc.Contains != "":
		term = &timeline.Contains{Text: tc.Contains}
	case tc.Pattern != "":
		re, err := regexp.Compile(tc.Pattern)
		if err != nil {
			fatal(fmt.Errorf("term pattern %q: %w", tc.Pattern, err))
		}
		term = &timeline.Matches{Pattern: re}
	default:
		return nil
	}
	if tc.Negate {
		term = &timeline.Not{Term: term}
	}
	return term
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./skylark.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg := loadConfig(*cfgPath)

	eng, cleanup := buildEngine(cfg)
	defer cleanup()
	metrics.StartServer(cfg.Metrics.Addr)

	theme.PrintBanner()
	logging.Info("engine starting", map[string]any{
		"accounts":   len(cfg.Accounts),
		"categories": len(cfg.Categories),
		"streaming":  cfg.Connection.Streaming,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.Run(ctx)
	logging.Info("engine stopped", nil)
}

func cmdPost() {
	fs := flag.NewFlagSet("post", flag.ExitOnError)
	cfgPath := fs.String("config", "./skylark.yaml", "config path")
	account := fs.String("account", "", "account name (default: first configured)")
	reply := fs.Int64("reply-to", 0, "status ID to reply to")
	_ = fs.Parse(os.Args[2:])
	cfg := loadConfig(*cfgPath)
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		fatal(fmt.Errorf("nothing to post"))
	}

	eng, cleanup := buildEngine(cfg)
	defer cleanup()
	var cred *model.Credential
	for _, have := range eng.Credentials() {
		if *account == "" || have.Name == *account {
			cred = have
			break
		}
	}
	if cred == nil {
		fatal(fmt.Errorf("unknown account %q", *account))
	}
	p, err := eng.Post(context.Background(), cred, text, model.PostID(*reply))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Posted %d: %s\n", p.ID, p.Text)
}
