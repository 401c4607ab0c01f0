package main

import (
	"github.com/spf13/cobra"

	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/profilefeed"
)

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "List your loans or holds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		holds, _ := cmd.Flags().GetBool("holds")
		query, _ := cmd.Flags().GetString("query")
		sortName, _ := cmd.Flags().GetString("sort")
		account, _ := cmd.Flags().GetString("account")

		by, err := profilefeed.ParseSort(sortName)
		if err != nil {
			return err
		}
		sel := profilefeed.SelectLoans
		if holds {
			sel = profilefeed.SelectHolds
		}

		req := a.Feeds.Request(sel, profilefeed.Options{
			Account: domain.AccountID(account),
			Query:   query,
			Sort:    by,
		}, domain.ClearHistory)
		if err := open(cmd, a, req); err != nil {
			return err
		}
		printState(cmd.OutOrStdout(), a, a.Navigation.State().Get())
		return nil
	},
}

func init() {
	booksCmd.Flags().Bool("holds", false, "show holds instead of loans")
	booksCmd.Flags().String("query", "", "filter by title or author")
	booksCmd.Flags().String("sort", "title", "sort by title, author or relevance")
	booksCmd.Flags().String("account", "", "only show books of this account")
	rootCmd.AddCommand(booksCmd)
}
