package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fauxparse/lilbirdie-sub001/internal/client"
	"github.com/fauxparse/lilbirdie-sub001/internal/domain"
	"github.com/fauxparse/lilbirdie-sub001/internal/platform/logging"
	"github.com/fauxparse/lilbirdie-sub001/internal/reconciler"
	"github.com/spf13/pflag"
)

type watchOptions struct {
	server    string
	api       string
	host      string
	userID    string
	lists     []string
	transport string
	cookie    string
	logLevel  string
}

func runWatch(ctx context.Context, args []string) error {
	var opts watchOptions
	flags := pflag.NewFlagSet("giftwatch watch", pflag.ContinueOnError)
	flags.StringVar(&opts.server, "server", "http://localhost:8080", "broadcast host base URL")
	flags.StringVar(&opts.api, "api", "", "read API base URL (defaults to --server)")
	flags.StringVar(&opts.host, "host", "main", "host instance name")
	flags.StringVar(&opts.userID, "user", "", "user id to join the user room as")
	flags.StringSliceVarP(&opts.lists, "list", "l", nil, "list id to watch (repeatable)")
	flags.StringVar(&opts.transport, "transport", "websocket", "websocket or sse")
	flags.StringVar(&opts.cookie, "cookie", "", "session cookie sent to the read API")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "debug, info, warn or error")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if len(opts.lists) == 0 && opts.userID == "" {
		return fmt.Errorf("nothing to watch: pass --list or --user")
	}
	if opts.api == "" {
		opts.api = opts.server
	}

	slog.SetDefault(logging.New(os.Stderr, opts.logLevel, "text"))

	transport, err := newTransport(opts)
	if err != nil {
		return err
	}

	header := http.Header{}
	if opts.cookie != "" {
		header.Set("Cookie", opts.cookie)
	}
	cache := reconciler.New(reconciler.NewHTTPLoader(opts.api, header), reconciler.Options{})

	manager := client.NewManager(transport, client.Options{UserID: opts.userID})
	defer func() { _ = manager.Close() }()

	detach := cache.Attach(manager)
	defer detach()

	w := &watcher{ctx: ctx, out: os.Stdout, cache: cache}
	manager.OnStateChange(func(s client.State) {
		fmt.Fprintf(w.out, "# %s\n", s)
	})
	cache.OnChange(w.changed)
	manager.On(domain.EventFriendRequestReceived, w.notify)
	manager.On(domain.EventFriendAccepted, w.notify)
	manager.On(domain.EventError, w.notify)

	if err := manager.Connect(ctx); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = manager.WaitForState(waitCtx, client.StateConnected)
	cancel()
	if err != nil {
		return err
	}

	for _, listID := range opts.lists {
		if err := manager.JoinList(ctx, listID); err != nil {
			return err
		}
		go w.print(listID)
	}

	<-ctx.Done()
	return nil
}

func newTransport(opts watchOptions) (client.Transport, error) {
	switch strings.ToLower(opts.transport) {
	case "websocket", "ws":
		return client.NewWebSocketTransport(opts.server, opts.host, opts.userID)
	case "sse":
		return client.NewSSETransport(opts.server, opts.host, opts.userID)
	default:
		return nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

type watcher struct {
	ctx   context.Context
	out   io.Writer
	cache *reconciler.Reconciler
}

// changed runs on the manager's dispatch goroutine, so reloads happen elsewhere.
func (w *watcher) changed(key reconciler.QueryKey, outcome reconciler.Outcome) {
	listID, ok := key.ListID()
	if !ok {
		return
	}
	if outcome == reconciler.Patched {
		if items, ok := w.cache.CachedItems(listID); ok {
			printItems(w.out, listID, items)
		}
		return
	}
	go w.print(listID)
}

func (w *watcher) print(listID string) {
	items, err := w.cache.Items(w.ctx, listID)
	if err != nil {
		slog.Warn("Failed to load list", "list_id", listID, "error", err)
		return
	}
	printItems(w.out, listID, items)
}

func (w *watcher) notify(e domain.Event) {
	fmt.Fprintf(w.out, "! %s %+v\n", e.Type, e.Payload)
}

func printItems(out io.Writer, listID string, items []domain.Item) {
	var b strings.Builder
	fmt.Fprintf(&b, "== list %s (%d items)\n", listID, len(items))
	for _, it := range items {
		claimed := 0
		for _, c := range it.Claims {
			claimed += c.Quantity
		}
		fmt.Fprintf(&b, "  %-24s %s  %d/%d claimed\n", it.ID, it.Name, claimed, max(it.Quantity, 1))
	}
	_, _ = io.WriteString(out, b.String())
}
