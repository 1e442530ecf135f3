package main

import (
	"fmt"
	"strings"

	"github.com/ceciliomichael/antigravity-gateway/internal/search"
	"github.com/spf13/cobra"
)

func newSearchCmd(configPath *string) *cobra.Command {
	var (
		urls     []string
		thinking bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Answer a question with Google Search grounding",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := loadGateway(*configPath, false)
			if err != nil {
				return err
			}
			defer gw.Close()

			result, err := search.NewSearcher(gw.dispatcher).Search(cmd.Context(), search.Request{
				Query:    strings.Join(args, " "),
				URLs:     urls,
				Thinking: thinking,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&urls, "url", nil, "URL to read while answering (repeatable)")
	cmd.Flags().BoolVar(&thinking, "thinking", true, "enable model thinking")
	return cmd
}
