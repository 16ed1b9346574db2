package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "Inspect and adjust the game catalog",
}

var gamesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requestable games",
	RunE:  runGamesList,
}

var gamesSetTemplateCmd = &cobra.Command{
	Use:   "set-template <game> <template-id>",
	Short: "Point a game at a different panel deployment template",
	Args:  cobra.ExactArgs(2),
	RunE:  runGamesSetTemplate,
}

func init() {
	rootCmd.AddCommand(gamesCmd)
	gamesCmd.AddCommand(gamesListCmd)
	gamesCmd.AddCommand(gamesSetTemplateCmd)
}

func runGamesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	games := a.orchestrator.Games()

	fmt.Printf("%-12s %-24s %-10s %-20s\n", "NAME", "DISPLAY NAME", "TEMPLATE", "ROLE")
	fmt.Println("--------------------------------------------------------------------")
	for _, g := range games {
		fmt.Printf("%-12s %-24s %-10d %-20s\n", g.Name, g.DisplayName, g.TemplateID, orDash(g.DefaultRole))
	}

	return nil
}

func runGamesSetTemplate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	templateID, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("template id must be an integer, got %q", args[1])
	}

	a, err := openApp(ctx, storeOnly)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orchestrator.SetTemplateRef(ctx, args[0], templateID); err != nil {
		return explain(err)
	}

	fmt.Printf("✓ %s now deploys template %d\n", args[0], templateID)
	if !a.cfg.CatalogPersistOverrides {
		fmt.Println("  (not persisted; set catalog-persist-overrides to keep it across restarts)")
	}
	return nil
}
