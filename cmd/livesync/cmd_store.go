package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"livesync/internal/protocol"
	"livesync/internal/store"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var errStoreUnavailable = errors.New("store is unavailable")

// dumpCmd prints the stored records of a collection
var dumpCmd = &cobra.Command{
	Use:   "dump <collection>",
	Short: "Print the stored records of a collection as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  dumpCollection,
}

// versionsCmd prints the stored checkpoints
var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Print the stored checkpoint of every collection",
	Args:  cobra.NoArgs,
	RunE:  printVersions,
}

// openStore opens the configured store without prefetching anything.
func openStore(ctx context.Context) (*store.Store, error) {
	st := store.New(cfg.Store, nil)
	if err := st.Load(ctx); err != nil {
		return nil, err
	}
	if !st.IsSupported() {
		return nil, fmt.Errorf("%w: %s", errStoreUnavailable, cfg.Store.Path)
	}
	return st, nil
}

func dumpCollection(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ReadCollection(ctx, args[0])
	if err != nil {
		return err
	}

	ids := lo.Keys(records)
	sort.Strings(ids)
	values := make([]protocol.Record, 0, len(ids))
	for _, id := range ids {
		values = append(values, records[id])
	}

	data, err := protocol.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printVersions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	versions, err := st.FetchCollectionVersions(ctx)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("No checkpoints stored")
		return nil
	}

	names := lo.Keys(versions)
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s\t%d\n", name, versions[name])
	}
	return nil
}
