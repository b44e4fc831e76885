package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/woojin-heo/mcp-assistant/agent/contract"
	"github.com/woojin-heo/mcp-assistant/agent/credential"
	"github.com/woojin-heo/mcp-assistant/agent/enrich"
	"github.com/woojin-heo/mcp-assistant/agent/intent"
	"github.com/woojin-heo/mcp-assistant/agent/prompt"
	"github.com/woojin-heo/mcp-assistant/agent/state"
	"github.com/woojin-heo/mcp-assistant/agent/synth"
	"github.com/woojin-heo/mcp-assistant/agent/tool"
	"github.com/woojin-heo/mcp-assistant/agent/workflow"
	configx "github.com/woojin-heo/mcp-assistant/pkg/config"
	"github.com/woojin-heo/mcp-assistant/pkg/llm"
	_ "github.com/woojin-heo/mcp-assistant/pkg/logger/autoload"
)

type AppConfig struct {
	UserID          string        `envconfig:"USER_ID" split_words:"true" default:"local"`
	ServersConfig   string        `envconfig:"SERVERS_CONFIG" split_words:"true" default:"servers.yaml"`
	DefaultLocation string        `envconfig:"DEFAULT_LOCATION" split_words:"true"`
	TransportMode   string        `envconfig:"TRANSPORT_MODE" split_words:"true" default:"transit"`
	TravelBuffer    time.Duration `envconfig:"TRAVEL_BUFFER" split_words:"true" default:"10m"`
	ApprovalTTL     time.Duration `envconfig:"APPROVAL_TTL" split_words:"true" default:"5m"`
	SessionIdleTTL  time.Duration `envconfig:"SESSION_IDLE_TTL" split_words:"true" default:"30m"`
	HistoryLimit    int           `envconfig:"HISTORY_LIMIT" split_words:"true" default:"40"`
	OAuthServices   string        `envconfig:"OAUTH_SERVICES" split_words:"true" default:"google"`
}

// cliTransport prints engine-initiated messages to the terminal. Chat
// platform transports implement the same contract against their push APIs.
type cliTransport struct{}

func (cliTransport) Deliver(_ context.Context, _ string, text string) error {
	fmt.Printf("\nassistant: %s\n> ", text)
	return nil
}

func main() {
	appCfg := configx.MustNew[AppConfig]("APP")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	llmCfg := configx.MustNew[llm.Config]("LLM")
	model := llm.MustNew(*llmCfg)

	serversFile, err := configx.FromYAML[tool.ServersFile](appCfg.ServersConfig)
	if err != nil {
		log.Fatal().Err(err).Str("path", appCfg.ServersConfig).Msg("load tool server config")
	}
	clients := make([]*tool.Client, 0, len(serversFile.Servers))
	for _, serverCfg := range serversFile.Servers {
		client, err := tool.NewClient(serverCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("configure tool server")
		}
		clients = append(clients, client)
	}
	registry, err := tool.BuildRegistry(ctx, clients)
	if err != nil {
		log.Fatal().Err(err).Msg("build tool registry")
	}
	log.Info().Strs("tools", registry.Names()).Msg("tool registry ready")

	creds := buildCredentialStore(appCfg)

	dispatcher, err := tool.NewDispatcher(registry, creds)
	if err != nil {
		log.Fatal().Err(err).Msg("build dispatcher")
	}

	history := buildHistoryStore()

	prompts := prompt.LoadPromptSet()
	classifier := intent.NewClassifier(model, prompts.Classifier)
	renderer := synth.NewRenderer(model, prompts.Responder)
	enricher := enrich.NewEnricher(dispatcher, appCfg.DefaultLocation,
		contractTransportMode(appCfg.TransportMode), appCfg.TravelBuffer)

	engine, err := workflow.NewEngine(classifier, dispatcher, enricher, renderer, history, cliTransport{}, workflow.Config{
		ApprovalTools:  serversFile.ApprovalRequiredTools,
		ApprovalTTL:    appCfg.ApprovalTTL,
		SessionIdleTTL: appCfg.SessionIdleTTL,
		HistoryLimit:   appCfg.HistoryLimit,
		TransportMode:  contractTransportMode(appCfg.TransportMode),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build workflow engine")
	}

	runREPL(ctx, engine, appCfg.UserID)
}

func buildCredentialStore(appCfg *AppConfig) *credential.Store {
	pgCfg := configx.MustNew[credential.PostgresConfig]("POSTGRES")

	var backend credential.Backend
	if strings.TrimSpace(pgCfg.DSN) != "" {
		pg, err := credential.NewPostgresBackend(*pgCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("connect credential database")
		}
		backend = pg
		log.Info().Msg("credentials persisted in postgres")
	} else {
		backend = credential.NewMemoryBackend()
		log.Warn().Msg("no postgres dsn, credentials held in memory only")
	}

	oauthClients := make(map[string]credential.OAuthClient)
	for _, service := range strings.Split(appCfg.OAuthServices, ",") {
		service = strings.TrimSpace(service)
		if service == "" {
			continue
		}
		oauthCfg, err := configx.New[credential.OAuthConfig]("OAUTH_" + strings.ToUpper(service))
		if err != nil {
			log.Warn().Err(err).Str("service", service).Msg("oauth provider not configured, skipping")
			continue
		}
		client, err := credential.NewHTTPOAuthClient(*oauthCfg)
		if err != nil {
			log.Fatal().Err(err).Str("service", service).Msg("configure oauth provider")
		}
		oauthClients[service] = client
	}

	store, err := credential.NewStore(backend, oauthClients)
	if err != nil {
		log.Fatal().Err(err).Msg("build credential store")
	}
	return store
}

func buildHistoryStore() state.HistoryStore {
	redisCfg := configx.MustNew[state.RedisConfig]("REDIS")
	if strings.TrimSpace(redisCfg.Addr) == "" {
		log.Warn().Msg("no redis address, transcripts held in memory only")
		return state.NewMemoryHistory(0)
	}

	history, err := state.NewRedisHistory(*redisCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	log.Info().Str("addr", redisCfg.Addr).Msg("transcripts persisted in redis")
	return history
}

func contractTransportMode(mode string) contractx.TransportMode {
	return contractx.TransportMode(strings.TrimSpace(strings.ToLower(mode)))
}

func runREPL(ctx context.Context, engine *workflow.Engine, userID string) {
	sessionID := uuid.NewString()
	fmt.Println("assistant ready. Ctrl-C to quit.")
	fmt.Print("> ")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nbye")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				fmt.Print("> ")
				continue
			}
			reply, err := engine.HandleMessage(ctx, sessionID, userID, line)
			if err != nil {
				log.Error().Err(err).Msg("turn failed")
				fmt.Print("> ")
				continue
			}
			fmt.Printf("assistant: %s\n> ", reply)
		}
	}
}
