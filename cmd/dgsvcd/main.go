// Command dgsvcd is a runnable demonstration of the datagram transport
// core: it binds one UDP socket, installs a trivial echo-style
// Dispatcher, and serves GetReq cycles until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/udprpc/svcdg/internal/auth"
	"github.com/udprpc/svcdg/internal/rpcmsg"
	"github.com/udprpc/svcdg/internal/xprt"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	Addr        string
	SendSize    int
	RecvSize    int
	CacheSize   int
	CloseSocket bool
	Verbose     bool
	ShowVersion bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("dgsvcd version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	raw, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := xprt.NewMetrics()
	x, err := xprt.New(ctx, raw, xprt.Config{
		Log:            log.With("component", "xprt"),
		SendSize:       cfg.SendSize,
		RecvSize:       cfg.RecvSize,
		CacheSize:      cfg.CacheSize,
		CloseOnDestroy: cfg.CloseSocket,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	defer x.Destroy()

	x.Control(xprt.WithDispatcher(echoDispatcher{log: log.With("component", "dispatch")}, auth.None{}))
	log.Info("endpoint listening", "local_addr", x.LocalAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				errCh <- nil
				return
			default:
			}
			x.GetReq(ctx)
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serve loop error: %w", err)
		}
	}

	cancel()
	log.Info("server shutdown complete")
	return nil
}

// echoDispatcher is the demo program: it accepts every call and replies
// with an empty result, purely to exercise the transport core end to end.
type echoDispatcher struct {
	log *slog.Logger
}

func (echoDispatcher) GetArgs(req *xprt.Request) error { return nil }
func (echoDispatcher) FreeArgs(req *xprt.Request)      {}

func (d echoDispatcher) Dispatch(req *xprt.Request) rpcmsg.ReplyMsg {
	d.log.Debug("dispatch", "xid", req.Call.XID, "prog", req.Call.Prog, "proc", req.Call.Proc)
	return rpcmsg.ReplyMsg{
		XID:    req.Call.XID,
		Stat:   rpcmsg.MsgAccepted,
		Accept: rpcmsg.Success,
	}
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.Addr, "addr", ":0", "UDP address to bind the datagram endpoint to")
	flag.IntVar(&cfg.SendSize, "send-size", 0, "Requested send buffer size (0 = protocol default)")
	flag.IntVar(&cfg.RecvSize, "recv-size", 0, "Requested receive buffer size (0 = protocol default)")
	flag.IntVar(&cfg.CacheSize, "cache-size", 64, "Duplicate-reply cache capacity (0 disables it)")
	flag.BoolVar(&cfg.CloseSocket, "close-on-destroy", true, "Close the underlying socket when the endpoint is destroyed")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
