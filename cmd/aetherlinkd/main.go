// aetherlinkd is the AetherLink control-plane daemon: it owns a device's
// long-term identity, accepts and initiates sessions against peer device
// codes, and exposes a small line-oriented command console for driving it
// interactively.
//
// Usage:
//
//	aetherlinkd [options]
//
// Options:
//
//	-identity    path to the persisted identity key (default: user config dir)
//	-trust-store path to the persisted trust store (default: user config dir)
//	-tofu        trust-on-first-use for unseen peers (default: true)
//	-listen      inbound control listen address (default: ":7780")
//	-name        human-readable device name
//	-caps        comma-separated capabilities to advertise
//	-keepalive   Active-state keepalive interval (0 = package default)
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/aetherlink/aetherlink/internal/config"
	"github.com/aetherlink/aetherlink/pkg/dial"
	"github.com/aetherlink/aetherlink/pkg/engine"
	"github.com/aetherlink/aetherlink/pkg/identity"
	"github.com/aetherlink/aetherlink/pkg/registry"
	"github.com/aetherlink/aetherlink/pkg/replay"
	"github.com/aetherlink/aetherlink/pkg/session"
	"github.com/aetherlink/aetherlink/pkg/transporthost/lan"
	"github.com/aetherlink/aetherlink/pkg/trust"
)

func main() {
	opts := config.ParseFlags()

	loggerFactory := logging.NewDefaultLoggerFactory()

	id, err := identity.LoadOrCreate(opts.IdentityPath)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}

	trustStore, err := trust.Open(trust.Config{Path: opts.TrustStorePath, TrustOnFirstUse: opts.TrustOnFirstUse})
	if err != nil {
		log.Fatalf("open trust store: %v", err)
	}

	replayCache := replay.New(replay.Config{})

	host := lan.NewHost(lan.Config{
		DeviceCode:    id.DeviceCode(),
		LoggerFactory: loggerFactory,
	})

	dialer := dial.New(dial.NetDialer{}, dial.StunPuncher{}, dial.TurnRelayDialer{}, dial.DefaultConfig())

	sessionCfg := session.DefaultConfig()
	if opts.KeepaliveInterval > 0 {
		sessionCfg.KeepaliveInterval = opts.KeepaliveInterval
	}

	eng := engine.NewEngine(id, trustStore, replayCache, host, dialer, engine.Config{
		Capabilities:  opts.Capabilities,
		SessionConfig: sessionCfg,
		LoggerFactory: loggerFactory,
	})

	eng.AddListener(registry.ListenerFunc(func(e registry.Event) {
		logRegistryEvent(e)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := host.Listen(ctx, opts.ListenAddr); err != nil {
		log.Fatalf("listen on %s: %v", opts.ListenAddr, err)
	}
	if _, port, ok := splitListenPort(opts.ListenAddr); ok {
		if err := host.StartAdvertising(port); err != nil {
			log.Printf("mdns advertise: %v (continuing without LAN discovery)", err)
		} else if err := host.StartBrowsing(ctx); err != nil {
			log.Printf("mdns browse: %v (continuing without LAN discovery)", err)
		}
	}

	go eng.Run(ctx)

	printOnboardingInfo(opts, id)
	go runConsole(ctx, eng)

	<-ctx.Done()
	log.Println("shutting down...")
	eng.Stop()
}

func splitListenPort(addr string) (host string, port int, ok bool) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, false
	}
	var p int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &p); err != nil {
		return "", 0, false
	}
	return addr[:idx], p, true
}

func printOnboardingInfo(opts config.Options, id *identity.Identity) {
	fmt.Println("========================================")
	fmt.Println("          AetherLink Node Ready")
	fmt.Println("========================================")
	fmt.Printf("  Name:         %s\n", opts.DeviceName)
	fmt.Printf("  Device code:  %s\n", id.DeviceCode())
	fmt.Printf("  Listening on: %s\n", opts.ListenAddr)
	fmt.Printf("  Capabilities: %s\n", strings.Join(opts.Capabilities, ", "))
	fmt.Println("========================================")
	fmt.Println("Commands: connect <code> | close <id> | list | stats <id> | pair <code> yes|no | quit")
}

func logRegistryEvent(e registry.Event) {
	switch e.Kind {
	case registry.EventStateChanged:
		log.Printf("session %s: state changed", e.PeerCode)
	case registry.EventHandshakeFailed:
		log.Printf("session %s: handshake failed: %v", e.PeerCode, e.Err)
	case registry.EventPathChosen:
		log.Printf("session %s: path chosen: %s", e.PeerCode, e.Path)
	case registry.EventPeerTrustChanged:
		log.Printf("peer %s: trust decision recorded", e.PeerCode)
	case registry.EventClosed:
		if e.Err != nil {
			log.Printf("session %s: closed: %v", e.PeerCode, e.Err)
		} else {
			log.Printf("session %s: closed", e.PeerCode)
		}
	}
}

// runConsole reads line-oriented commands from stdin until ctx is done or
// stdin closes.
func runConsole(ctx context.Context, eng *engine.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "connect":
			if len(fields) != 2 {
				fmt.Println("usage: connect <device-code>")
				continue
			}
			id, err := eng.Connect(fields[1])
			if err != nil {
				fmt.Printf("connect failed: %v\n", err)
				continue
			}
			fmt.Printf("connecting: session %s\n", id)

		case "close":
			if len(fields) != 2 {
				fmt.Println("usage: close <session-id>")
				continue
			}
			id, err := uuid.Parse(fields[1])
			if err != nil {
				fmt.Printf("invalid session id: %v\n", err)
				continue
			}
			if err := eng.Close(id); err != nil {
				fmt.Printf("close failed: %v\n", err)
			}

		case "list":
			for _, s := range eng.ListSessions() {
				fmt.Printf("  %s  peer=%s  role=%s  state=%s  path=%s  logical=%s\n",
					s.SessionID, s.PeerDeviceCode, s.Role, s.State, s.Path, s.LogicalID)
			}

		case "stats":
			if len(fields) != 2 {
				fmt.Println("usage: stats <session-id>")
				continue
			}
			id, err := uuid.Parse(fields[1])
			if err != nil {
				fmt.Printf("invalid session id: %v\n", err)
				continue
			}
			stats, err := eng.GetStats(id)
			if err != nil {
				fmt.Printf("stats failed: %v\n", err)
				continue
			}
			fmt.Printf("  peer=%s state=%s path=%s\n", stats.PeerDeviceCode, stats.State, stats.Path)

		case "pair":
			if len(fields) != 3 {
				fmt.Println("usage: pair <device-code> yes|no")
				continue
			}
			approved := fields[2] == "yes" || fields[2] == "y"
			if err := eng.Pair(fields[1], approved); err != nil {
				fmt.Printf("pair failed: %v\n", err)
			}

		case "quit", "exit":
			return

		default:
			fmt.Printf("unknown command: %s\n", fields[0])
		}
	}
}
