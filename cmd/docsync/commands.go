package main

import (
	"context"
	"fmt"
	"os"

	"github.com/agentworkforce/docsync/internal/docbroker"
	"github.com/agentworkforce/docsync/internal/wopi"
	"github.com/spf13/cobra"
)

func newInfoCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <wopi-src>",
		Short: "Show the host's metadata for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rootOpts.client().CheckInfo(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "name:     %s\n", info.Name)
			fmt.Fprintf(out, "size:     %d\n", info.Size)
			fmt.Fprintf(out, "version:  %s\n", info.Token)
			fmt.Fprintf(out, "owner:    %s\n", info.OwnerID)
			fmt.Fprintf(out, "writable: %t\n", info.UserCanWrite)
			return nil
		},
	}
}

func newGetCommand(rootOpts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <wopi-src>",
		Short: "Download the current content of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := rootOpts.client().Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(content.Data)
				return err
			}
			return os.WriteFile(output, content.Data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write content to this file instead of stdout")
	return cmd
}

func newSaveAsCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		rename bool
		from   string
	)
	cmd := &cobra.Command{
		Use:   "save-as <wopi-src> <name>",
		Short: "Copy a document to a new file next to it, or rename it",
		Long: `Copy a document to a new file next to it on the host, or rename it in
place with --rename. The copy holds the host content, or the content of
--from when given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := wopi.StoreAsCopy
			if rename {
				mode = wopi.StoreAsRename
			}
			var (
				loc wopi.Location
				err error
			)
			if from != "" {
				if rename {
					return fmt.Errorf("--from cannot be combined with --rename")
				}
				loc, err = saveLocalCopy(cmd.Context(), rootOpts, args[0], args[1], from)
			} else {
				loc, err = saveThroughBroker(cmd.Context(), rootOpts, args[0], args[1], mode)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", loc.Name, loc.URL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rename, "rename", false, "rename the document instead of copying it")
	cmd.Flags().StringVar(&from, "from", "", "local file whose content the copy should hold")
	return cmd
}

func saveThroughBroker(ctx context.Context, rootOpts *rootOptions, src, name string, mode wopi.StoreAsMode) (wopi.Location, error) {
	opts := rootOpts.cfg.BrokerOptions(rootOpts.client(), nil, rootOpts.brokerLogger())
	opts.Key = src
	b, err := docbroker.NewBroker(opts)
	if err != nil {
		return wopi.Location{}, err
	}
	if err := b.Open(ctx); err != nil {
		return wopi.Location{}, err
	}
	defer func() {
		_ = b.Close()
		waitCtx, cancel := context.WithTimeout(context.Background(), rootOpts.cfg.CallTimeout)
		defer cancel()
		_ = b.Wait(waitCtx)
	}()
	return b.SaveAs(ctx, name, mode)
}

// saveLocalCopy creates the copy from local bytes; the source document stays
// as the host has it.
func saveLocalCopy(ctx context.Context, rootOpts *rootOptions, src, name, path string) (wopi.Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wopi.Location{}, err
	}
	return rootOpts.client().StoreAs(ctx, src, wopi.StoreAsRequest{Data: data, Name: name, Mode: wopi.StoreAsCopy})
}
