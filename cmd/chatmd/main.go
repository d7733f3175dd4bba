// Command chatmd drives a chat conversation through a markdown document.
// Editing and saving the file submits it to the configured backend; the
// streamed reply is written back into the file as an assistant section.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatmd-dev/chatmd/internal/adapter"
	"github.com/chatmd-dev/chatmd/pkg/config"
	"github.com/chatmd-dev/chatmd/pkg/observability"
	"github.com/chatmd-dev/chatmd/pkg/session"
)

// Version is set via ldflags.
var Version = "dev"

var (
	configPath  string
	backendName string
	metricsAddr string
	traceMode   string
)

func main() {
	root := &cobra.Command{
		Use:     "chatmd",
		Short:   "chat with a language model through a markdown document",
		Version: Version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "configuration file")

	runCmd := &cobra.Command{
		Use:   "run <file>",
		Short: "watch a chat document and stream replies into it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}
	runCmd.Flags().StringVar(&backendName, "backend", "", "backend adapter (default from config)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address (disabled when empty)")
	runCmd.Flags().StringVar(&traceMode, "trace", "none", "trace exporter: stdout or none")

	root.AddCommand(runCmd, backendsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "list registered backends and their settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, name := range adapter.List() {
				ad, err := adapter.New(name, cfg.AdapterConfig(name))
				if err != nil {
					return err
				}
				info := ad.Info()
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", info.Name, info.BaseURL)
				for _, opt := range info.Schema.Options() {
					def := ""
					if opt.Default != nil {
						def = fmt.Sprintf(" (default %v)", opt.Default)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "  %-20s %s%s  %s\n", opt.Key, opt.Type, def, opt.Description)
				}
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// fileNotifier mirrors the session's document into the watched file.
type fileNotifier struct {
	path string

	mu   sync.Mutex
	last []byte
}

func (n *fileNotifier) DocumentChanged(sessionID string, doc []byte) {
	n.mu.Lock()
	n.last = append(n.last[:0], doc...)
	data := append([]byte{}, n.last...)
	n.mu.Unlock()
	if err := os.WriteFile(n.path, data, 0o644); err != nil {
		log.Printf("write %s: %v", n.path, err)
	}
}

// isEcho reports whether data matches the notifier's last write, i.e. the
// watcher saw our own output rather than a user edit.
func (n *fileNotifier) isEcho(data []byte) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return bytes.Equal(data, n.last)
}

func run(ctx context.Context, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	observability.InitMetrics()
	if err := observability.InitTracing(observability.TracingConfig{ExporterType: traceMode}); err != nil {
		return err
	}

	doc, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}

	notifier := &fileNotifier{path: path}
	registry := session.NewRegistry(cfg)
	sess, err := registry.Open(session.OpenOptions{
		Backend:  backendName,
		Document: doc,
		Notifier: notifier,
	})
	if err != nil {
		return err
	}

	sess.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventRequestStarted:
			log.Printf("request started (backend %v)", ev.Payload)
		case session.EventRequestFinished:
			result, ok := ev.Payload.(session.Result)
			if !ok {
				return
			}
			switch {
			case result.Cancelled:
				log.Printf("request cancelled")
			case result.Err != nil:
				log.Printf("request failed: %v", result.Err)
			default:
				log.Printf("request finished (%d tokens)", result.Usage.TotalTokens)
				if result.Tool != nil {
					log.Printf("tool invocation detected (%d bytes); hand-off to executor", len(result.Tool.Raw))
				}
			}
		}
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		server := &http.Server{Addr: metricsAddr, Handler: mux, ReadTimeout: 10 * time.Second}
		g.Go(func() error {
			err := server.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return watch(ctx, path, sess, notifier)
	})

	log.Printf("chatmd %s watching %s (backend %s); save the file to submit", Version, path, sess.Backend())
	err = g.Wait()

	sess.Cancel()
	registry.CloseAll()
	_ = observability.ShutdownTracing(context.Background())
	if err == context.Canceled {
		return nil
	}
	return err
}

// watch submits the document whenever the user saves it. The parent
// directory is watched rather than the file: editors that save via atomic
// rename replace the inode, which kills a file-level watch. Write events
// fire in bursts on most editors, so submissions are debounced.
func watch(ctx context.Context, path string, sess *session.Session, notifier *fileNotifier) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = watcher.Close()
	}()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var debounce *time.Timer
	trigger := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isSaveEvent(ev, path) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch: %v", err)
		case <-trigger:
			submitFile(ctx, path, sess, notifier)
		}
	}
}

// isSaveEvent reports whether ev is a save of target. Create counts as a
// save: atomic-rename editors write a temp file and rename it over the
// target, which surfaces as a Create for the target name.
func isSaveEvent(ev fsnotify.Event, target string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return filepath.Clean(ev.Name) == filepath.Clean(target)
}

func submitFile(ctx context.Context, path string, sess *session.Session, notifier *fileNotifier) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("read %s: %v", path, err)
		return
	}
	if notifier.isEcho(data) {
		return
	}
	if err := sess.SetDocument(data); err != nil {
		log.Printf("document not applied: %v", err)
		return
	}
	if err := sess.Submit(ctx); err != nil {
		log.Printf("submit: %v", err)
	}
}
