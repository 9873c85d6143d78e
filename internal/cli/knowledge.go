package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/knowledge"
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the knowledge base",
}

var (
	kbCategory string
	kbTitle    string
)

var knowledgeAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add an article to a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if kbCategory == "" {
			return fmt.Errorf("--category is required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		kb, err := knowledge.New(st.DB())
		if err != nil {
			return err
		}
		a := &knowledge.Article{Category: kbCategory, Title: kbTitle, Content: args[0]}
		if err := kb.Add(cmd.Context(), a); err != nil {
			return err
		}
		fmt.Printf("%s article %d added to %s\n", color.GreenString("✓"), a.ID, kbCategory)
		return nil
	},
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search a category",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if kbCategory == "" {
			return fmt.Errorf("--category is required")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		kb, err := knowledge.New(st.DB())
		if err != nil {
			return err
		}
		results, err := kb.Search(cmd.Context(), strings.Join(args, " "), kbCategory, 5)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%.2f  %s\n", r.Relevance, r.Content)
		}
		return nil
	},
}

func init() {
	knowledgeAddCmd.Flags().StringVar(&kbCategory, "category", "", "Article category")
	knowledgeAddCmd.Flags().StringVar(&kbTitle, "title", "", "Article title")
	knowledgeSearchCmd.Flags().StringVar(&kbCategory, "category", "", "Category to search")

	knowledgeCmd.AddCommand(knowledgeAddCmd, knowledgeSearchCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
