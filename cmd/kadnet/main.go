package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TheusHen/kadnet/kadnet"
	"github.com/TheusHen/kadnet/kadnet/identity"
	"github.com/TheusHen/kadnet/kadnet/protocol"
	"github.com/TheusHen/kadnet/kadnet/transport"
)

type options struct {
	config    string
	listen    string
	bootstrap string
	keyFile   string
	lan       bool
	metrics   string
	logLevel  string
	logFormat string
	shell     bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.config, "config", "", "path to a YAML config file")
	flag.StringVar(&o.listen, "listen", "", "comma separated listen addresses, e.g. tcp://0.0.0.0:4040")
	flag.StringVar(&o.bootstrap, "bootstrap", "", "comma separated bootstrap addresses")
	flag.StringVar(&o.keyFile, "key", "", "identity seed file, created when missing")
	flag.BoolVar(&o.lan, "lan", false, "enable LAN discovery beacons")
	flag.StringVar(&o.metrics, "metrics", "", "serve Prometheus metrics on this host:port")
	flag.StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&o.logFormat, "log-format", "text", "log format: text or json")
	flag.BoolVar(&o.shell, "shell", true, "read commands from stdin")
	flag.Parse()
	return o
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadConfig(o options) (kadnet.Config, error) {
	cfg := kadnet.DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = kadnet.LoadConfig(o.config); err != nil {
			return kadnet.Config{}, err
		}
	}
	if o.listen != "" {
		cfg.ListenAddrs = splitList(o.listen)
	}
	if o.bootstrap != "" {
		cfg.BootstrapAddrs = splitList(o.bootstrap)
	}
	if o.keyFile != "" {
		cfg.KeyFile = o.keyFile
	}
	if o.lan {
		cfg.LAN.Enabled = true
	}
	if o.metrics != "" {
		cfg.MetricsAddr = o.metrics
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(level, format string) (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	switch format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log, nil
}

func main() {
	o := parseFlags()
	cfg, err := loadConfig(o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kadnet: %v\n", err)
		os.Exit(2)
	}
	log, err := newLogger(cfg.LogLevel, o.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kadnet: %v\n", err)
		os.Exit(2)
	}
	cfg.Logger = log

	node, err := kadnet.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("create node")
	}
	node.HandleRequest(func(_ context.Context, _ identity.PeerID, payload []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(payload))), nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.WithError(err).Fatal("start node")
	}
	fmt.Printf("id %s\n", node.ID())

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", node.MetricsHandler())
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server")
			}
		}()
	}

	go printIncoming(node)
	if o.shell {
		go func() {
			runShell(ctx, node, os.Stdin)
			stop()
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := node.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
		os.Exit(1)
	}
}

func printIncoming(node *kadnet.Node) {
	for d := range node.Incoming() {
		kind := "message"
		if d.Type == protocol.MessageTypeBroadcast {
			kind = "broadcast"
		}
		fmt.Printf("\n[%s from %s] %s\nkadnet> ", kind, d.Origin.ShortString(), d.Payload)
	}
}

const help = `commands:
  id                    print this node's id and addresses
  peers                 list the routing table
  connect <addr>        dial a peer, e.g. tcp://10.0.0.2:4040
  discover              run a self lookup
  find <id>             locate a peer by hex id
  send <id> <text>      one-way message
  request <id> <text>   request/response message, echoed back upper-cased
  broadcast <text>      flood to the overlay
  put <key> <value>     store a value on the closest peers
  get <key>             fetch a value
  quit`

func runShell(ctx context.Context, node *kadnet.Node, in *os.File) {
	sc := bufio.NewScanner(in)
	fmt.Print("kadnet> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "quit" || line == "exit" {
			return
		}
		if line != "" {
			if err := runCommand(ctx, node, line); err != nil {
				fmt.Printf("error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		fmt.Print("kadnet> ")
	}
}

func runCommand(ctx context.Context, node *kadnet.Node, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch cmd {
	case "help":
		fmt.Println(help)
	case "id":
		fmt.Println(node.ID())
		for _, a := range node.Addrs() {
			fmt.Println(" ", a)
		}
	case "peers":
		connected := map[identity.PeerID]bool{}
		for _, id := range node.Connected() {
			connected[id] = true
		}
		for _, p := range node.Peers() {
			mark := " "
			if connected[p.ID] {
				mark = "*"
			}
			fmt.Printf("%s %s %v\n", mark, p.ID.ShortString(), p.Addrs)
		}
	case "connect":
		addr, err := transport.ParseAddress(rest)
		if err != nil {
			return err
		}
		p, err := node.Connect(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Println("connected to", p.ID)
	case "discover":
		peers, err := node.DiscoverPeers(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d peers\n", len(peers))
	case "find":
		id, err := identity.ParsePeerIDHex(rest)
		if err != nil {
			return err
		}
		p, err := node.FindPeer(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(p.ID, p.Addrs)
	case "send", "request":
		idStr, text, _ := strings.Cut(rest, " ")
		id, err := identity.ParsePeerIDHex(idStr)
		if err != nil {
			return err
		}
		if cmd == "send" {
			return node.Send(ctx, id, []byte(text))
		}
		resp, err := node.SendDirect(ctx, id, []byte(text))
		if err != nil {
			return err
		}
		fmt.Println(string(resp))
	case "broadcast":
		id, err := node.Broadcast(ctx, []byte(rest))
		if err != nil {
			return err
		}
		fmt.Printf("broadcast %x\n", id[:8])
	case "put":
		key, value, _ := strings.Cut(rest, " ")
		n, err := node.PutValue(ctx, []byte(key), []byte(value))
		if err != nil {
			return err
		}
		fmt.Printf("stored on %d peers\n", n)
	case "get":
		v, err := node.GetValue(ctx, []byte(rest))
		if err != nil {
			return err
		}
		fmt.Println(string(v))
	default:
		fmt.Println(help)
	}
	return nil
}
