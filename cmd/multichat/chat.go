package main

import (
	"fmt"
	"os"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Amo808/multiprovider/pkg/chat"
	"github.com/Amo808/multiprovider/pkg/conversation"
	"github.com/Amo808/multiprovider/pkg/events"
	"github.com/Amo808/multiprovider/pkg/inference/engine"
	"github.com/Amo808/multiprovider/pkg/inference/openai"
	"github.com/Amo808/multiprovider/pkg/optimistic"
	"github.com/Amo808/multiprovider/pkg/persistence"
	"github.com/Amo808/multiprovider/pkg/persistence/sqlstore"
	"github.com/Amo808/multiprovider/pkg/tokens"
)

const chatTopic = "chat"

// consolePrinter renders the event stream arriving on the router's chat
// topic. With a single model the deltas stream through as they arrive; with
// several, interleaved deltas would be unreadable, so only lifecycle markers
// are shown and the full answers are printed after the fold.
type consolePrinter struct {
	streamDeltas bool
}

func (p *consolePrinter) handle(msg *message.Message) error {
	event, err := events.NewEventFromJson(msg.Payload)
	if err != nil {
		return err
	}
	switch e := event.(type) {
	case *events.EventStart:
		if !p.streamDeltas {
			fmt.Printf("[%s] started\n", e.Metadata().Model)
		}
	case *events.EventPartialCompletion:
		if p.streamDeltas {
			fmt.Print(e.Delta)
		}
	case *events.EventFinal:
		if p.streamDeltas {
			fmt.Println()
		} else {
			fmt.Printf("[%s] done\n", e.Metadata().Model)
		}
	case *events.EventError:
		fmt.Printf("[%s] error: %s\n", e.Metadata().Model, e.ErrorString)
	case *events.EventInterrupt:
		fmt.Printf("[%s] interrupted\n", e.Metadata().Model)
	case *events.EventNotice:
		_, _ = fmt.Fprintf(os.Stderr, "notice: %s\n", e.Message)
	}
	return nil
}

func newChatCommand() *cobra.Command {
	var models []string
	var systemPrompt string
	var conversationID string
	var noSave bool

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send a prompt to one or more models",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			apiKey := viper.GetString("openai-api-key")
			if apiKey == "" {
				return errors.New("no API key; set --openai-api-key or MULTICHAT_OPENAI_API_KEY")
			}

			estimator := tokens.NewEstimator()
			var eng engine.Engine
			if baseURL := viper.GetString("openai-base-url"); baseURL != "" {
				eng = openai.NewEngineWithBaseURL(apiKey, baseURL, openai.WithEstimator(estimator))
			} else {
				eng = openai.NewEngine(apiKey, openai.WithEstimator(estimator))
			}
			resolver := engine.StaticResolver{"openai": eng}

			router, err := events.NewEventRouter()
			if err != nil {
				return err
			}
			printer := &consolePrinter{streamDeltas: len(models) == 1}
			router.AddHandler("console", chatTopic, printer.handle)
			go func() {
				if err := router.Run(cmd.Context()); err != nil {
					log.Warn().Err(err).Msg("event router stopped")
				}
			}()
			<-router.Running()
			defer func() {
				if err := router.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to close event router")
				}
			}()

			store := conversation.NewStore(conversation.NewConversation(conversationID))
			options := []chat.Option{chat.WithSystemPrompt(systemPrompt)}

			var reconciler *persistence.Reconciler
			if !noSave {
				db, err := sqlstore.New(viper.GetString("db"))
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				if conversationID != "" {
					if conv, err := db.GetConversation(cmd.Context(), conversationID); err == nil {
						store = conversation.NewStore(conv)
					} else if !errors.Is(err, sqlstore.ErrNotFound) {
						return err
					}
				}
				reconciler = persistence.NewReconciler(db)
				options = append(options, chat.WithReconciler(reconciler), chat.WithRemote(db))
			} else {
				options = append(options, chat.WithRemote(optimistic.NullRemote{}))
			}

			manager := chat.NewManager(store, resolver, options...)
			manager.Store().SetSharedHistory(true)

			sink := events.NewWatermillSink(router.Publisher, chatTopic)
			ctx := events.WithEventSinks(cmd.Context(), sink)

			slots := make([]chat.ModelSlot, len(models))
			for i, m := range models {
				slots[i] = chat.ModelSlot{Model: conversation.ModelID(m), Provider: "openai"}
			}

			batch, err := manager.Send(ctx, args[0], slots)
			if err != nil {
				return err
			}
			if err := batch.Wait(); err != nil {
				return err
			}

			printResults(store, !printer.streamDeltas)

			if reconciler != nil {
				if err := reconciler.Close(); err != nil {
					log.Warn().Err(err).Msg("failed to flush persistence")
				}
				fmt.Printf("\nconversation id: %s\n", store.ID())
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&models, "models", "m", []string{"gpt-4o-mini"}, "models to query")
	cmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "system prompt")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not persist the conversation")
	return cmd
}

func printResults(store *conversation.Store, withContent bool) {
	snap := store.Snapshot()
	if len(snap.Turns) == 0 {
		return
	}
	turn := snap.Turns[len(snap.Turns)-1]
	for _, resp := range turn.Responses {
		if withContent {
			fmt.Printf("\n=== %s ===\n%s\n", resp.Model, resp.Content)
		}
		if resp.Meta.ErrorText != "" {
			fmt.Printf("--- %s failed: %s\n", resp.Model, resp.Meta.ErrorText)
			continue
		}
		fmt.Printf("--- %s: %d in / %d out tokens, $%.6f, %dms\n",
			resp.Model, resp.Meta.TokensIn, resp.Meta.TokensOut, resp.Meta.Cost, resp.Meta.LatencyMs)
	}
}
