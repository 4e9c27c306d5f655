package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"mailrelay/internal/api"
	"mailrelay/internal/config"
	"mailrelay/internal/controller"
	"mailrelay/internal/directory"
	"mailrelay/internal/gateway"
	"mailrelay/internal/mailbox"
	"mailrelay/internal/metrics"
	"mailrelay/internal/model"
	"mailrelay/internal/peer"
	"mailrelay/internal/proto"
)

const usage = `mailrelay - mail node discovery and relay

Usage:
  mailrelay gateway init --config <path> [--http-listen :3001] [--ws-listen :3002]
  mailrelay gateway run --config <path>
  mailrelay node run --config <path>
  mailrelay node send --config <path> --to <mail> --subject <text> --content <text>
  mailrelay node inbox --config <path>
  mailrelay node sent --config <path>
  mailrelay register --controller <url> --mail <addr> --ip <host> --port <n>
  mailrelay lookup --controller <url> --mail <addr>
  mailrelay nodes --controller <url>
  mailrelay heartbeat --controller <url> --node <id>
  mailrelay stats --config <path> [--window 1h] [--path <csv>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "gateway":
		handleGateway(os.Args[2:])
	case "node":
		handleNode(os.Args[2:])
	case "register":
		handleRegister(os.Args[2:])
	case "lookup":
		handleLookup(os.Args[2:])
	case "nodes":
		handleNodes(os.Args[2:])
	case "heartbeat":
		handleHeartbeat(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleGateway(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "gateway subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "init":
		gatewayInit(args[1:])
	case "run":
		gatewayRun(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown gateway subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func gatewayInit(args []string) {
	fs := flag.NewFlagSet("gateway init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	httpListen := fs.String("http-listen", "", "HTTP facade listen address")
	wsListen := fs.String("ws-listen", "", "websocket relay listen address")
	deliveryLog := fs.String("delivery-log", "", "delivery log CSV path")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}

	cfg := config.Config{Gateway: &config.GatewayConfig{}}
	if *httpListen != "" {
		cfg.Gateway.HTTPListen = *httpListen
	}
	if *wsListen != "" {
		cfg.Gateway.WSListen = *wsListen
	}
	if *deliveryLog != "" {
		cfg.Gateway.DeliveryLog = *deliveryLog
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func gatewayRun(args []string) {
	fs := flag.NewFlagSet("gateway run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Gateway == nil {
		cfg.Gateway = &config.GatewayConfig{}
		config.FromEnv(&cfg)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	dir := directory.New(cfg.Gateway.HeartbeatTimeout())
	go dir.Run(ctx)

	gw := gateway.New(gateway.Config{
		Listen:       cfg.Gateway.WSListen,
		PingInterval: cfg.Gateway.PingInterval(),
		DeliveryLog:  cfg.Gateway.DeliveryLog,
	}, dir)
	ctrl := controller.NewServer(cfg.Gateway.HTTPListen, dir)

	log.Printf("gateway starting http=%s ws=%s heartbeat_timeout=%s",
		cfg.Gateway.HTTPListen, cfg.Gateway.WSListen, cfg.Gateway.HeartbeatTimeout())

	errs := make(chan error, 2)
	go func() { errs <- gw.ListenAndServe(ctx) }()
	go func() { errs <- ctrl.ListenAndServe(ctx) }()
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleNode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "node subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		nodeRun(args[1:])
	case "send":
		nodeSend(args[1:])
	case "inbox":
		nodeInbox(args[1:])
	case "sent":
		nodeSent(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown node subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func nodeRun(args []string) {
	fs := flag.NewFlagSet("node run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	mail := fs.String("mail", "", "mail address override")
	gatewayURL := fs.String("gateway", "", "gateway websocket URL override")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	node := loadNodeConfig(*configPath, *mail, *gatewayURL, *stunList)

	ctx, cancel := signalContext()
	defer cancel()

	store := mailbox.NewStore(node.DataDir)
	client := newPeerClient(node)

	client.OnEnvelope(proto.TypeEmailSend, func(env proto.Envelope) {
		data, err := env.EmailSend()
		if err != nil {
			log.Printf("node: bad email payload: %v", err)
			return
		}
		email := data.Email
		if err := store.AppendInbox(node.MailAddress, email); err != nil {
			log.Printf("node: store inbox: %v", err)
			return
		}
		log.Printf("node: mail received id=%s from=%s subject=%q", email.ID, email.From, email.Subject)
		if err := client.SendEmailReceived(email.ID, email.From); err != nil {
			log.Printf("node: receipt failed: %v", err)
		}
	})
	client.OnEnvelope(proto.TypeEmailDelivered, func(env proto.Envelope) {
		receipt, err := env.Receipt()
		if err != nil {
			return
		}
		if err := store.SetSentStatus(node.MailAddress, receipt.EmailID, model.EmailDelivered); err != nil {
			log.Printf("node: update sent status: %v", err)
			return
		}
		log.Printf("node: mail delivered id=%s", receipt.EmailID)
	})
	client.OnEnvelope(proto.TypeMessage, func(env proto.Envelope) {
		event, err := env.MessageEvent()
		if err != nil {
			return
		}
		log.Printf("node: message from=%s content=%v", event.From, event.Content)
	})
	client.OnEnvelope(proto.TypeBroadcast, func(env proto.Envelope) {
		data, err := env.Broadcast()
		if err != nil {
			return
		}
		log.Printf("node: broadcast from=%s content=%v", env.SenderID, data.Content)
	})

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func nodeSend(args []string) {
	fs := flag.NewFlagSet("node send", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	mail := fs.String("mail", "", "mail address override")
	gatewayURL := fs.String("gateway", "", "gateway websocket URL override")
	to := fs.String("to", "", "recipient mail address")
	subject := fs.String("subject", "", "subject line")
	content := fs.String("content", "", "message body")
	wait := fs.Duration("wait", 5*time.Second, "how long to wait for delivery confirmation")
	_ = fs.Parse(args)

	if *to == "" {
		fatal(errors.New("--to is required"))
	}

	node := loadNodeConfig(*configPath, *mail, *gatewayURL, "")

	ctx, cancel := signalContext()
	defer cancel()

	store := mailbox.NewStore(node.DataDir)
	client := newPeerClient(node)

	email := model.Email{
		ID:        uuid.NewString(),
		From:      node.MailAddress,
		To:        *to,
		Subject:   *subject,
		Content:   *content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    model.EmailSending,
	}
	if err := store.AppendSent(node.MailAddress, email); err != nil {
		fatal(err)
	}

	delivered := make(chan string, 1)
	client.OnEnvelope(proto.TypeEmailDelivered, func(env proto.Envelope) {
		receipt, err := env.Receipt()
		if err != nil || receipt.EmailID != email.ID {
			return
		}
		select {
		case delivered <- receipt.EmailID:
		default:
		}
	})

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go client.Run(runCtx)

	wctx, wcancel := context.WithTimeout(ctx, *wait)
	defer wcancel()
	if err := client.WaitRegistered(wctx); err != nil {
		markFailed(store, node.MailAddress, email.ID)
		fatal(fmt.Errorf("registration failed: %w", err))
	}
	if err := client.SendEmail(email); err != nil {
		markFailed(store, node.MailAddress, email.ID)
		fatal(err)
	}

	select {
	case <-delivered:
		if err := store.SetSentStatus(node.MailAddress, email.ID, model.EmailDelivered); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "sent id=%s to=%s delivered\n", email.ID, email.To)
	case <-time.After(*wait):
		markFailed(store, node.MailAddress, email.ID)
		fmt.Fprintf(os.Stderr, "sent id=%s to=%s not confirmed\n", email.ID, email.To)
		os.Exit(1)
	case <-ctx.Done():
	}
}

func markFailed(store *mailbox.Store, mailAddress, emailID string) {
	if err := store.SetSentStatus(mailAddress, emailID, model.EmailFailed); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to update sent status: %v\n", err)
	}
}

func nodeInbox(args []string) {
	fs := flag.NewFlagSet("node inbox", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	mail := fs.String("mail", "", "mail address override")
	_ = fs.Parse(args)

	node := loadNodeConfig(*configPath, *mail, "", "")
	store := mailbox.NewStore(node.DataDir)
	emails, err := store.Inbox(node.MailAddress)
	if err != nil {
		fatal(err)
	}
	printEmails(emails)
}

func nodeSent(args []string) {
	fs := flag.NewFlagSet("node sent", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	mail := fs.String("mail", "", "mail address override")
	_ = fs.Parse(args)

	node := loadNodeConfig(*configPath, *mail, "", "")
	store := mailbox.NewStore(node.DataDir)
	emails, err := store.Sent(node.MailAddress)
	if err != nil {
		fatal(err)
	}
	printEmails(emails)
}

func printEmails(emails []model.Email) {
	if len(emails) == 0 {
		fmt.Fprintln(os.Stdout, "no mail")
		return
	}
	fmt.Fprintf(os.Stdout, "%-36s  %-24s  %-24s  %-24s  %-20s  %-10s\n",
		"ID", "FROM", "TO", "SUBJECT", "TIME", "STATUS")
	for _, email := range emails {
		fmt.Fprintf(os.Stdout, "%-36s  %-24s  %-24s  %-24s  %-20s  %-10s\n",
			email.ID, email.From, email.To, email.Subject, email.Timestamp, email.Status)
	}
}

func handleRegister(args []string) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerURL := fs.String("controller", "", "controller base URL")
	mail := fs.String("mail", "", "mail address")
	ip := fs.String("ip", "", "advertised host")
	port := fs.Int("port", 0, "advertised port")
	_ = fs.Parse(args)

	if *mail == "" {
		fatal(errors.New("--mail is required"))
	}

	client := api.NewClient(controllerBase(*configPath, *controllerURL))
	resp, err := client.Register(context.Background(), api.RegisterRequest{
		IPAddress:   *ip,
		Port:        *port,
		MailAddress: *mail,
	})
	if err != nil {
		fatal(err)
	}
	if resp.Node == nil {
		fatal(errors.New("no record in response"))
	}
	fmt.Fprintf(os.Stdout, "registered node_id=%s mail=%s\n", resp.Node.NodeID, resp.Node.MailAddress)
}

func handleLookup(args []string) {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerURL := fs.String("controller", "", "controller base URL")
	mail := fs.String("mail", "", "mail address")
	_ = fs.Parse(args)

	if *mail == "" {
		fatal(errors.New("--mail is required"))
	}

	client := api.NewClient(controllerBase(*configPath, *controllerURL))
	resp, err := client.Lookup(context.Background(), *mail)
	if err != nil {
		fatal(err)
	}
	if resp.Node == nil {
		fatal(errors.New("no record in response"))
	}
	fmt.Fprintf(os.Stdout, "node_id=%s addr=%s:%d status=%s\n",
		resp.Node.NodeID, resp.Node.IPAddress, resp.Node.Port, resp.Node.Status)
}

func handleNodes(args []string) {
	fs := flag.NewFlagSet("nodes", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerURL := fs.String("controller", "", "controller base URL")
	_ = fs.Parse(args)

	client := api.NewClient(controllerBase(*configPath, *controllerURL))
	resp, err := client.Nodes(context.Background())
	if err != nil {
		fatal(err)
	}
	if len(resp.Nodes) == 0 {
		fmt.Fprintln(os.Stdout, "no registered nodes")
		return
	}

	fmt.Fprintf(os.Stdout, "%-36s  %-24s  %-22s  %-8s  %-20s\n",
		"NODE_ID", "MAIL", "ADDR", "STATUS", "LAST_HEARTBEAT")
	for _, node := range resp.Nodes {
		lastSeen := time.UnixMilli(node.LastHeartbeat).UTC().Format(time.RFC3339)
		fmt.Fprintf(os.Stdout, "%-36s  %-24s  %-22s  %-8s  %-20s\n",
			node.NodeID, node.MailAddress,
			fmt.Sprintf("%s:%d", node.IPAddress, node.Port), node.Status, lastSeen)
	}
}

func handleHeartbeat(args []string) {
	fs := flag.NewFlagSet("heartbeat", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerURL := fs.String("controller", "", "controller base URL")
	nodeID := fs.String("node", "", "node ID")
	_ = fs.Parse(args)

	if *nodeID == "" {
		fatal(errors.New("--node is required"))
	}

	client := api.NewClient(controllerBase(*configPath, *controllerURL))
	if _, err := client.Heartbeat(context.Background(), *nodeID); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "heartbeat ok node_id=%s\n", *nodeID)
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", time.Hour, "time window")
	path := fs.String("path", "", "delivery log CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	logPath := *path
	if logPath == "" && cfg.Gateway != nil {
		logPath = cfg.Gateway.DeliveryLog
	}
	if logPath == "" {
		fatal(errors.New("delivery log path required"))
	}

	items, err := metrics.ReadCSV(logPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no deliveries in window")
		return
	}

	fmt.Fprintf(os.Stdout, "deliveries=%d from=%s to=%s\n",
		summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "forwarded=%d dropped=%d\n", summary.Forwarded, summary.Dropped)
	for _, t := range summary.Types() {
		counts := summary.ByType[t]
		fmt.Fprintf(os.Stdout, "%-16s forwarded=%d dropped=%d\n", t, counts.Forwarded, counts.Dropped)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

// loadNodeConfig resolves the node section from the config file, env
// and flag overrides, and validates it.
func loadNodeConfig(path, mail, gatewayURL, stunList string) *config.NodeConfig {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Node == nil {
		cfg.Node = &config.NodeConfig{}
		config.FromEnv(&cfg)
	}
	if mail != "" {
		cfg.Node.MailAddress = mail
	}
	if gatewayURL != "" {
		cfg.Node.Gateway = gatewayURL
	}
	if stunList != "" {
		cfg.Node.STUNServers = splitList(stunList)
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return cfg.Node
}

func newPeerClient(node *config.NodeConfig) *peer.Client {
	return peer.New(peer.Config{
		GatewayURL:        node.Gateway,
		MailAddress:       node.MailAddress,
		AdvertiseHost:     node.AdvertiseHost,
		AdvertisePort:     node.AdvertisePort,
		STUNServers:       node.STUNServers,
		ReconnectAttempts: node.ReconnectAttempts,
		ReconnectDelay:    node.ReconnectDelay(),
		PingInterval:      node.PingInterval(),
	})
}

func controllerBase(configPath, override string) string {
	if override != "" {
		return override
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Node != nil && cfg.Node.Controller != "" {
		return cfg.Node.Controller
	}
	return "http://localhost:3001"
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
