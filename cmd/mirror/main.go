// cmd/mirror/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"mirror/client"
	"mirror/internal/content"
	"mirror/internal/diff"
	"mirror/internal/protocol"
	"mirror/internal/resolver"
	"mirror/internal/storage"
	"mirror/internal/watcher"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Inspect and follow a mirror sync server",
	Long: `mirror talks to a running sync server and inspects the files it would
mirror: follow live changes, list a tree through any storage backend,
hash files, or print the desired set for a directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if !verbose {
			return nil
		}
		var err error
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr")

	var tailCmd = &cobra.Command{
		Use:   "tail [address]",
		Short: "Follow file changes from a sync server",
		Long: `Connects as a peer and prints every snapshot and change. With --into the
received files are also written below a local directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "127.0.0.1:8787"
			if len(args) == 1 {
				addr = args[0]
			}
			into, _ := cmd.Flags().GetString("into")
			showDiff, _ := cmd.Flags().GetBool("diff")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := client.Dial(ctx, addr, client.Options{Logger: logger})
			if err != nil {
				return err
			}
			defer c.Close()

			var local *localMirror
			if into != "" {
				local, err = newLocalMirror(into)
				if err != nil {
					return err
				}
			}

			t := newTailer(showDiff)
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-c.Messages():
					if !ok {
						if err := c.Err(); err != nil {
							return fmt.Errorf("connection closed: %w", err)
						}
						return nil
					}
					t.print(u)
					if local != nil {
						if err := local.apply(u); err != nil {
							logger.Warn("mirroring locally", zap.Error(err))
						}
					}
				}
			}
		},
	}
	tailCmd.Flags().String("into", "", "Directory to mirror received files into")
	tailCmd.Flags().Bool("diff", false, "Print a line diff for changed files")

	var treeCmd = &cobra.Command{
		Use:   "tree [path]",
		Short: "List a directory tree through a storage backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			store, target, cleanup, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := store.ListTree(target)
			if err != nil {
				return err
			}
			blue := color.New(color.FgBlue).SprintFunc()
			for _, e := range entries {
				rel := strings.TrimPrefix(strings.TrimPrefix(e.Path, target), "/")
				if e.Type == storage.TypeDir {
					fmt.Printf("%s/\n", blue(rel))
					continue
				}
				fmt.Printf("%s\t%d\n", rel, e.Size)
			}
			return nil
		},
	}
	treeCmd.Flags().String("backend", "node", "Storage backend (node, vfs)")
	treeCmd.Flags().String("vfs-path", "", "Database directory for the vfs backend")

	var hashCmd = &cobra.Command{
		Use:   "hash [paths...]",
		Short: "Print the content hash the sync server uses for files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := storage.NewNode()
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				data, err := store.Read(storage.FromNative(abs))
				if err != nil {
					return err
				}
				stat := content.StatOf(data)
				fmt.Printf("%s  %8d  %s\n", stat.Hash, stat.Size, arg)
			}
			return nil
		},
	}

	var resolveCmd = &cobra.Command{
		Use:   "resolve [watch-dir]",
		Short: "Print the desired set for a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watchDir := "."
			if len(args) == 1 {
				watchDir = args[0]
			}
			projectRoot, _ := cmd.Flags().GetString("project-root")
			if projectRoot == "" {
				projectRoot = watchDir
			}
			graphCmd, _ := cmd.Flags().GetStringSlice("graph-command")

			watchAbs, err := filepath.Abs(watchDir)
			if err != nil {
				return err
			}
			rootAbs, err := filepath.Abs(projectRoot)
			if err != nil {
				return err
			}

			var graph resolver.GraphResolver = resolver.DirectoryGraph{}
			if len(graphCmd) > 0 {
				graph = resolver.CommandGraph{Command: graphCmd[0], Args: graphCmd[1:], Dir: rootAbs}
			}

			desired, err := resolver.New(storage.NewNode(), graph, logger).
				Resolve(cmd.Context(), storage.FromNative(watchAbs), storage.FromNative(rootAbs))
			if err != nil {
				return err
			}
			paths := make([]string, 0, len(desired))
			for p := range desired {
				paths = append(paths, p)
			}
			sort.Strings(paths)

			yellow := color.New(color.FgYellow).SprintFunc()
			root := storage.FromNative(rootAbs)
			for _, p := range paths {
				if !storage.Within(root, p) {
					fmt.Printf("%s %s\n", yellow("!"), p)
					continue
				}
				fmt.Println(p)
			}
			return nil
		},
	}
	resolveCmd.Flags().String("project-root", "", "Project root (defaults to the watch dir)")
	resolveCmd.Flags().StringSlice("graph-command", nil, "External graph resolver command and arguments")

	rootCmd.AddCommand(tailCmd, treeCmd, hashCmd, resolveCmd)
}

// openStore returns the backend named by --backend and the storage path
// for root.
func openStore(cmd *cobra.Command, root string) (storage.Storage, string, func(), error) {
	backend, _ := cmd.Flags().GetString("backend")
	vfsPath, _ := cmd.Flags().GetString("vfs-path")

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, "", nil, err
	}
	target := storage.FromNative(abs)
	if backend == "vfs" {
		target = storage.Normalize(root)
	}

	store, err := storage.Open(storage.Options{Backend: backend, Path: vfsPath, Logger: logger})
	if err != nil {
		return nil, "", nil, err
	}
	cleanup := func() {}
	if v, ok := store.(*storage.VFS); ok {
		cleanup = func() { _ = v.Close() }
	}
	return store, target, cleanup, nil
}

// tailer prints updates, remembering file contents for diffs.
type tailer struct {
	showDiff bool
	engine   *diff.Engine
	last     map[string][]byte
}

func newTailer(showDiff bool) *tailer {
	return &tailer{showDiff: showDiff, engine: diff.NewEngine(3), last: make(map[string][]byte)}
}

func (t *tailer) print(u client.Update) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	stamp := time.Now().Format("15:04:05")

	if u.Snapshot != nil {
		fmt.Printf("%s %s %d files\n", stamp, cyan("snapshot"), len(u.Snapshot.Files))
		t.last = make(map[string][]byte, len(u.Snapshot.Files))
		for _, f := range u.Snapshot.Files {
			data, err := content.Decode(f.Content, content.EncodingBase64)
			if err != nil {
				continue
			}
			t.last[f.Path] = data
			fmt.Printf("\t%s %s\n", cyan("="), f.Path)
		}
		return
	}

	c := u.Change
	switch c.Event {
	case protocol.EventDelete:
		fmt.Printf("%s %s %s\n", stamp, red("D"), c.Path)
		delete(t.last, c.Path)
	case protocol.EventAdd, protocol.EventChange:
		data, err := c.Data()
		if err != nil {
			return
		}
		mark := green("A")
		if c.Event == protocol.EventChange {
			mark = yellow("M")
		}
		fmt.Printf("%s %s %s (%d bytes)\n", stamp, mark, c.Path, len(data))
		if t.showDiff {
			printColoredDiff(t.engine.Diff(t.last[c.Path], data).Format())
		}
		t.last[c.Path] = data
	}
}

func printColoredDiff(text string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

// localMirror writes received files below a directory through the
// change-detection layer, so replays of unchanged content touch nothing.
// A snapshot only removes files this mirror itself received.
type localMirror struct {
	root     string
	files    *watcher.Watcher
	received map[string]bool
}

func newLocalMirror(dir string) (*localMirror, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	m := &localMirror{
		root:     storage.FromNative(abs),
		files:    watcher.New(storage.NewNode(), logger),
		received: make(map[string]bool),
	}
	if err := m.files.Seed(m.root); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *localMirror) target(peerPath string) string {
	return storage.Normalize(m.root + storage.Normalize(peerPath))
}

func (m *localMirror) apply(u client.Update) error {
	if u.Snapshot != nil {
		keep := make(map[string]bool, len(u.Snapshot.Files))
		for _, f := range u.Snapshot.Files {
			p := m.target(f.Path)
			keep[p] = true
			if err := m.write(p, f.Content); err != nil {
				return err
			}
		}
		for p := range m.received {
			if keep[p] {
				continue
			}
			if err := m.files.DeleteFile(p); err != nil {
				return err
			}
			delete(m.received, p)
		}
		return nil
	}

	p := m.target(u.Change.Path)
	if u.Change.Event == protocol.EventDelete {
		delete(m.received, p)
		return m.files.DeleteFile(p)
	}
	return m.write(p, u.Change.Content)
}

func (m *localMirror) write(p, encoded string) error {
	if err := m.files.WriteString(p, encoded, content.EncodingBase64); err != nil {
		return err
	}
	m.received[p] = true
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
