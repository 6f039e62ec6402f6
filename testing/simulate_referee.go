package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/tatianab/referee/internal/app"
	"github.com/tatianab/referee/internal/config"
	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/logging"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/session"
)

const defaultRules = `Turns: players act in order. On your turn you may move and take one action.

Strike: deal 3 damage to an adjacent player. A player at 0 HP is knocked out and skips their turns.

Poison: a poisoned player takes 1 damage at the start of each of their turns. Drinking an antidote removes Poison.

Shop: an antidote costs 2 gold. A healing potion costs 3 gold and restores 4 HP, up to the player's maximum.`

func main() {
	var (
		rulesPath = flag.String("rules", "", "rulebook text file (defaults to a small built-in skirmish game)")
		game      = flag.String("game", "Skirmish", "game name")
		turns     = flag.Int("turns", 8, "number of table events to simulate")
	)
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.RulebookPath = ":memory:"
	cfg.SessionStore = config.StoreMemory

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger := logging.New(os.Stderr, level, false)

	// The referee under test
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build referee: %v", err)
	}
	defer a.Close()

	// A second model plays the table
	players, closePlayers, err := app.NewModel(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create player model: %v", err)
	}
	defer closePlayers()

	rules := defaultRules
	if *rulesPath != "" {
		b, err := os.ReadFile(*rulesPath)
		if err != nil {
			log.Fatalf("Failed to read rulebook: %v", err)
		}
		rules = string(b)
	}
	n, err := a.Rules.Ingest(ctx, *game, rules)
	if err != nil {
		log.Fatalf("Failed to ingest rulebook: %v", err)
	}
	fmt.Printf("--- Ingested %d rule chunks for %s ---\n\n", n, *game)

	gs, err := a.Referee.CreateSession(ctx, *game, []session.PlayerSpec{
		{Name: "Alice", HP: 10, MaxHP: 10, Resources: map[string]int{"gold": 5}},
		{Name: "Bob", HP: 8, MaxHP: 8, Resources: map[string]int{"gold": 3}},
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}

	for turn := 1; turn <= *turns; turn++ {
		fmt.Printf("--- Event %d ---\n", turn)

		event := tableEvent(ctx, players, rules, gs)
		fmt.Printf("Table: %s\n", event)

		out, err := a.Referee.Ask(ctx, gs.SessionID, event)
		if err != nil {
			fmt.Printf("Error asking referee: %v\n", err)
			break
		}
		for _, c := range out.StateChanges {
			mark := "ok"
			if !c.Success {
				mark = "refused"
			}
			fmt.Printf("Change [%s]: %s\n", mark, c.Message)
		}
		fmt.Printf("Referee: %s\n", out.Answer)

		gs, err = a.Sessions.Get(ctx, gs.SessionID)
		if err != nil {
			log.Fatalf("Failed to reload session: %v", err)
		}
		fmt.Printf("%s\n\n", gs.Summary())

		if standing(gs) <= 1 {
			fmt.Println("Game Ended: one player left standing.")
			break
		}
	}
}

func standing(gs *models.GameState) int {
	n := 0
	for _, p := range gs.Players {
		if p.HP > 0 {
			n++
		}
	}
	return n
}

// tableEvent asks the player model what happens next at the table.
func tableEvent(ctx context.Context, model llm.Model, rules string, gs *models.GameState) string {
	prompt := fmt.Sprintf(`You are the players at a tabletop game. Describe in one or two sentences what the current player does next, or ask the referee a rules question. Stay within the rules.

Rules:
%s

Table:
%s

Return ONLY the description, no extra commentary.`, rules, gs.Summary())

	reply, err := model.Generate(ctx, llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return fmt.Sprintf("%s strikes the nearest player.", gs.CurrentPlayer)
	}
	event := strings.TrimSpace(reply.Content)
	if event == "" {
		return fmt.Sprintf("%s ends their turn.", gs.CurrentPlayer)
	}
	return event
}
