package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentworkforce/docsync/internal/docbroker"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

type editOptions struct {
	*rootOptions
	OnConflict string
	Debounce   time.Duration
}

func newEditCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &editOptions{rootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "edit <wopi-src> <local-file>",
		Short: "Mirror a document into a local file and store every change",
		Long: `Download a document into a local file, then store the file back to the
host each time it is written. Interrupting the command closes the document,
which stores any change not yet synced.

Conflicts with writes made by others are settled by --on-conflict:
  overwrite  - store the local file over the host version
  discard    - drop local changes and reload the host version
  disconnect - stop editing (unsynced changes are reported lost)`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(cmd.Context(), opts, args[0], args[1], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.OnConflict, "on-conflict", "disconnect", "conflict policy: overwrite, discard or disconnect")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 200*time.Millisecond, "quiet period after a file write before storing it")
	return cmd
}

// editSession ties one broker to one local working copy.
type editSession struct {
	path   string
	out    io.Writer
	policy docbroker.ConflictPolicy

	mu     sync.Mutex
	broker *docbroker.Broker
	failed error
}

func runEdit(ctx context.Context, opts *editOptions, src, path string, out io.Writer) error {
	action, err := docbroker.ParseAction(opts.OnConflict)
	if err != nil {
		return err
	}
	leases, closeLeases, err := opts.leases()
	if err != nil {
		return err
	}
	defer closeLeases()

	session := &editSession{path: path, out: out, policy: docbroker.ConflictPolicy{Preferred: action}}
	manager := docbroker.NewManager(docbroker.ManagerOptions{
		Broker:   opts.cfg.BrokerOptions(opts.client(), session, opts.brokerLogger()),
		Leases:   leases,
		LeaseTTL: opts.cfg.LeaseTTL,
	})
	b, err := manager.Open(ctx, src)
	if err != nil {
		return err
	}
	session.mu.Lock()
	session.broker = b
	session.mu.Unlock()

	if err := os.WriteFile(path, b.Content(), 0o644); err != nil {
		_ = b.Disconnect()
		return err
	}
	fmt.Fprintf(out, "editing %s in %s\n", b.Name(), path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = b.Disconnect()
		return err
	}
	defer watcher.Close()
	// Editors often replace files by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = b.Disconnect()
		return err
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return session.finish(b, opts.cfg.CallTimeout)
		case <-b.Done():
			return session.err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return session.finish(b, opts.cfg.CallTimeout)
			}
			if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			timer.Reset(debounce)
		case werr, ok := <-watcher.Errors:
			if ok {
				fmt.Fprintf(out, "watch error: %v\n", werr)
			}
		case <-timer.C:
			session.push()
		}
	}
}

// push hands the file content to the broker unless it is what the broker
// already holds, which is the case right after a reload was written out.
func (s *editSession) push() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		fmt.Fprintf(s.out, "read %s: %v\n", s.path, err)
		return
	}
	b := s.current()
	if bytes.Equal(data, b.Content()) {
		return
	}
	if err := b.Edit(data); err != nil {
		fmt.Fprintf(s.out, "edit rejected: %v\n", err)
		return
	}
	if err := b.Save(); err != nil {
		fmt.Fprintf(s.out, "save rejected: %v\n", err)
	}
}

func (s *editSession) HandleEvent(ev docbroker.Event) {
	fmt.Fprintf(s.out, "%s\n", ev)
	switch ev.Kind {
	case docbroker.EventError:
		if ev.Conflict != nil {
			go s.resolve(*ev.Conflict)
			return
		}
		s.mu.Lock()
		if s.failed == nil {
			s.failed = errors.New(ev.Message)
			if ev.Err != nil {
				s.failed = fmt.Errorf("%s: %w", ev.Message, ev.Err)
			}
		}
		s.mu.Unlock()
	case docbroker.EventDataLoss:
		s.mu.Lock()
		s.failed = errors.New(ev.Message)
		s.mu.Unlock()
	}
}

// resolve runs outside the broker's worker, which is the goroutine
// delivering events.
func (s *editSession) resolve(ev docbroker.ConflictEvent) {
	b := s.current()
	action := docbroker.ChooseAction(b.State(), ev, s.policy)
	fmt.Fprintf(s.out, "conflict: host version %s, ours %s; %s\n", ev.HostToken, ev.CachedToken, action)
	if err := docbroker.Apply(b, action); err != nil {
		fmt.Fprintf(s.out, "resolve failed: %v\n", err)
		return
	}
	if action != docbroker.ActionDiscard {
		return
	}
	for b.State() == docbroker.StateConflicted {
		select {
		case <-b.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := os.WriteFile(s.path, b.Content(), 0o644); err != nil {
		fmt.Fprintf(s.out, "write %s: %v\n", s.path, err)
	}
}

func (s *editSession) current() *docbroker.Broker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broker
}

func (s *editSession) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// finish pushes the last file content and closes the document, waiting for
// the teardown store.
func (s *editSession) finish(b *docbroker.Broker, timeout time.Duration) error {
	s.push()
	if err := b.Close(); err != nil && !errors.Is(err, docbroker.ErrClosed) {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	if err := b.Wait(ctx); err != nil {
		// Nobody will answer a pending conflict anymore.
		_ = b.Disconnect()
		return fmt.Errorf("close %s: %w", b.Name(), err)
	}
	return s.err()
}
