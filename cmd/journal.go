package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"bisync/internal/database"
	"bisync/internal/fs"
)

func newJournalCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect or edit the record of the last successful sync",
	}
	cmd.AddCommand(newJournalLsCmd(opts), newJournalForgetCmd(opts))
	return cmd
}

func withJournal(opts *rootOptions, fn func(database.Store) error) error {
	cfg, logCloser, err := loadConfig(opts)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	store, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newJournalLsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [prefix]",
		Short: "List journal records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = strings.Trim(args[0], "/")
			}
			return withJournal(opts, func(store database.Store) error {
				all, err := store.ListAll()
				if err != nil {
					return err
				}
				return printJournal(cmd.OutOrStdout(), all, prefix)
			})
		},
	}
}

// printJournal 以表格形式输出 prefix 下的记录
func printJournal(w io.Writer, all map[string]*database.FileState, prefix string) error {
	paths := make([]string, 0, len(all))
	for p := range all {
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+"/") {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tKIND\tSIZE\tMODIFIED\tSYNCED\tLOCAL\tREMOTE")
	var total int64
	for _, p := range paths {
		s := all[p]
		size, modified, synced := "-", "-", "-"
		if s.Kind == fs.KindFile {
			size = humanize.Bytes(uint64(s.FileSize))
			total += s.FileSize
		}
		if s.ModTime != 0 {
			modified = humanize.Time(s.ModTimeAsTime())
		}
		if s.LastSyncTime != 0 {
			synced = humanize.Time(time.Unix(0, s.LastSyncTime))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", p, s.Kind, size, modified, synced, short(s.LocalHash), short(s.RemoteHash))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%s records, %s\n", humanize.Comma(int64(len(paths))), humanize.Bytes(uint64(total)))
	return err
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "-"
	}
	return id
}

func newJournalForgetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <path>...",
		Short: "Drop journal records so the next pass treats the paths as unsynced",
		Long: `Drop journal records so the next pass treats the paths as unsynced.
A folder path also drops every record below it. Files present on both
sides with the same size are adopted again without a transfer.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(opts, func(store database.Store) error {
				n, err := forget(store, args)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "forgot %d records\n", n)
				return nil
			})
		},
	}
}

// forget 删除指定路径及其子路径的记录, 一个事务内完成
func forget(store database.Store, targets []string) (int, error) {
	all, err := store.ListAll()
	if err != nil {
		return 0, err
	}
	var batch []database.Update
	for p := range all {
		for _, t := range targets {
			t = strings.Trim(t, "/")
			if p == t || strings.HasPrefix(p, t+"/") {
				batch = append(batch, database.Forget(p))
				break
			}
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := store.Apply(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}
