// Manual smoke test for the LLM layer. Runs the voice primitives against the
// configured providers so a deploy can verify API keys and latency before
// taking live calls.
//
// Usage:
//
//	go run ./cmd/llmtest ["caller utterance"]
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	appconfig "github.com/notdienststation/dispatch/internal/config"
	"github.com/notdienststation/dispatch/internal/llm"
	"github.com/notdienststation/dispatch/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	utterance := "Ich habe mich ausgesperrt, ich wohne in der Müllerstraße 5 in München"
	if len(os.Args) > 1 {
		utterance = strings.Join(os.Args[1:], " ")
	}

	cfg := appconfig.Load()

	// Fresh cache dir per run so answers come from the providers, not from
	// the disk cache of an earlier invocation.
	cacheDir, err := os.MkdirTemp("", "llmtest-")
	if err != nil {
		log.Fatalf("temp cache dir: %v", err)
	}
	defer os.RemoveAll(cacheDir)

	o := llm.New(llm.Config{
		Primary:    llm.NewOpenAIProvider("gpt", cfg.OpenAIAPIKey, "", cfg.OpenAIModel, cfg.LLMMaxTokens),
		Secondary:  llm.NewOpenAIProvider("grok", cfg.XAIAPIKey, cfg.XAIBaseURL, cfg.XAIModel, cfg.LLMMaxTokens),
		CacheDir:   cacheDir,
		PLZTimeout: cfg.PLZTimeout,
		Logger:     logging.New("error"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("LLM Provider Smoke Test")
	fmt.Printf("Utterance: %q\n", utterance)

	failed := false

	fmt.Println("\n[1] ClassifyIntent")
	intent, elapsed, source, err := o.ClassifyIntent(ctx, utterance)
	failed = report(err, source, elapsed) || failed
	fmt.Printf("    intent=%s reasoning=%q\n", intent.Intent, intent.Reasoning)

	fmt.Println("\n[2] ExtractLocation")
	loc, elapsed, source, err := o.ExtractLocation(ctx, utterance)
	failed = report(err, source, elapsed) || failed
	fmt.Printf("    address=%q contains_location=%v knows_location=%v\n",
		loc.Address, loc.ContainsLocation, loc.KnowsLocation)

	fmt.Println("\n[3] YesNo")
	yes, elapsed, source, err := o.YesNo(ctx, "ja gerne, machen Sie das",
		"Sollen wir Ihnen einen Link per SMS schicken?")
	failed = report(err, source, elapsed) || failed
	fmt.Printf("    agreement=%v reasoning=%q\n", yes.Agreement, yes.Reasoning)

	if failed {
		fmt.Println("\n❌ At least one primitive got no provider answer; check the API keys")
		os.Exit(1)
	}
	fmt.Println("\n✅ All primitives answered")
}

// report prints the call outcome and returns true when no provider answered.
func report(err error, source string, elapsed float64) bool {
	switch {
	case err != nil:
		fmt.Printf("    ❌ error after %.2fs: %v\n", elapsed, err)
		return true
	case source == llm.SourceUnknown:
		fmt.Printf("    ❌ no provider answered after %.2fs\n", elapsed)
		return true
	default:
		fmt.Printf("    ✅ answered by %s in %.2fs\n", source, elapsed)
		return false
	}
}
