package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/strategy"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		label    = flag.String("label", "bot", "participant label (suffixed with the bot index when -n > 1)")
		n        = flag.Int("n", 1, "number of bots to run")
		strat    = flag.String("strategy", "random", "strategy: random|threshold|absent|scripted")
		seed     = flag.Uint64("seed", 1, "strategy seed (bot i uses seed+i)")
		replaceP = flag.Float64("replace_prob", 0.5, "random: probability of a REPLACE ballot")
		partP    = flag.Float64("participation", 1, "random: probability of answering a prompt")
		thresh   = flag.Float64("threshold", 400, "threshold: replace when the previous pot is below this")
		score    = flag.Int("score", 25, "threshold: fixed production score")
		legacy   = flag.String("legacy", "NEUTRAL", "threshold: legacy choice (SABOTAGE|HELP|NEUTRAL)")
		script   = flag.String("script", "", "scripted: path to script yaml")
		retryFor = flag.Duration("retry_for", 2*time.Minute, "give up reconnecting after this long")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *n; i++ {
		name := *label
		if *n > 1 {
			name = fmt.Sprintf("%s-%d", *label, i+1)
		}
		d, err := strategy.New(strategy.Options{
			Name:          *strat,
			Seed:          *seed + uint64(i),
			ReplaceProb:   *replaceP,
			Participation: *partP,
			Threshold:     *thresh,
			Score:         *score,
			Legacy:        rotation.LegacyChoice(*legacy),
			ScriptPath:    *script,
		})
		if err != nil {
			log.Fatalf("strategy: %v", err)
		}
		c := &client{
			url:     *url,
			label:   name,
			decider: d,
			log:     log.New(os.Stdout, "["+name+"] ", log.LstdFlags|log.Lmicroseconds),
		}
		g.Go(func() error { return c.run(gctx, *retryFor) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("bot: %v", err)
	}
}
