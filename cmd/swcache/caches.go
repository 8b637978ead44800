package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"swcache/internal/swcache"
)

func newCachesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caches",
		Short: "Inspect and purge stored caches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List caches in creation order with their entry counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listCaches(cmd, *configPath)
			},
		},
		&cobra.Command{
			Use:   "purge <name>",
			Short: "Delete a cache and all of its entries",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return purgeCache(cmd, *configPath, args[0])
			},
		},
	)
	return cmd
}

func listCaches(cmd *cobra.Command, configPath string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	storage, err := swcache.OpenStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := cmd.Context()
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENTRIES")
	for _, name := range names {
		c, err := storage.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\n", name, len(keys))
	}
	return tw.Flush()
}

func purgeCache(cmd *cobra.Command, configPath, name string) error {
	cfg, err := swcache.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	storage, err := swcache.OpenStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.Close()

	deleted, err := storage.Delete(cmd.Context(), name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("no cache named %q", name)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", name)
	return nil
}
