package main

import (
	"fmt"
	"os"

	"github.com/danmuck/despot/internal/metadata"
	"github.com/spf13/cobra"
)

func (a *app) imageCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "Fetch an image blob such as a portrait or cover",
		Long: `Fetch the image with the given id and write its raw bytes to stdout,
or to --out. Artist portraits and album covers list these ids.`,
		Example: "  despotctl image 5a1f0c2e9d8b4a7f8e6d5c4b3a291807 > cover.jpg",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := metadata.ParseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, release, err := a.session(ctx)
			if err != nil {
				return err
			}
			defer release()

			data, err := c.GetImage(ctx, id)
			if err != nil {
				return err
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, data, 0o644); err != nil {
					return fmt.Errorf("write image: %w", err)
				}
				return nil
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the image to this file instead of stdout")
	return cmd
}
