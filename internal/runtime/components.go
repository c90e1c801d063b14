package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/sttgate/internal/breaker"
	"github.com/loqalabs/sttgate/internal/config"
	"github.com/loqalabs/sttgate/internal/evaluator"
	"github.com/loqalabs/sttgate/internal/ladder"
	"github.com/loqalabs/sttgate/internal/live"
	"github.com/loqalabs/sttgate/internal/nlp"
	"github.com/loqalabs/sttgate/internal/provider"
	"github.com/loqalabs/sttgate/internal/registry"
	"github.com/loqalabs/sttgate/internal/repair"
	"github.com/loqalabs/sttgate/internal/shadow"
	"github.com/nats-io/nats.go"
)

// core is the decision pipeline assembled from config.
type core struct {
	router *ladder.Router
	live   *live.Orchestrator
	shadow *shadow.Evaluator
	book   *breaker.Book
}

func buildCore(cfg config.Config, conn *nats.Conn, logger *slog.Logger) (*core, error) {
	policy, err := cfg.Decision.Policy()
	if err != nil {
		return nil, fmt.Errorf("decision policy: %w", err)
	}
	book, err := breaker.NewBook(cfg.Breaker.Config())
	if err != nil {
		return nil, fmt.Errorf("breaker: %w", err)
	}
	classifier := newClassifier(cfg.NLP)
	var repairer *repair.Engine
	if cfg.NLP.Repair {
		repairer = repair.NewEngine(nlp.NewRuleFrameBuilder(), classifier)
	}
	adapter, err := newAdapter(cfg.Provider, conn)
	if err != nil {
		return nil, err
	}

	eval := evaluator.New(policy, classifier, repairer)
	router := ladder.NewRouter(eval)
	logger.Info("decision core ready",
		slog.String("provider_mode", cfg.Provider.Mode),
		slog.String("nlp_mode", cfg.NLP.Mode),
		slog.Bool("repair", repairer != nil))
	return &core{
		router: router,
		live:   live.NewOrchestrator(router, adapter, book, logger),
		shadow: shadow.New(eval),
		book:   book,
	}, nil
}

func newClassifier(cfg config.NLPConfig) nlp.IntentClassifier {
	if cfg.Mode == "ollama" {
		return nlp.NewOllamaClassifier(cfg.Endpoint, cfg.Model, &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond})
	}
	return nlp.NewRuleClassifier()
}

func newAdapter(cfg config.ProviderConfig, conn *nats.Conn) (provider.Adapter, error) {
	switch cfg.Mode {
	case "exec":
		adapter, err := provider.NewExecAdapter(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("exec provider: %w", err)
		}
		return adapter, nil
	case "nats":
		if conn == nil {
			return nil, fmt.Errorf("nats provider requires a bus connection")
		}
		return provider.NewNATSAdapter(conn, cfg.SubjectPrefix), nil
	default:
		return provider.NewMockAdapter(cfg.MockText, cfg.MockLanguage, cfg.MockConfBP), nil
	}
}

// defaultLiveContext fills routing fields a live request left empty from
// the provider and decision config.
func defaultLiveContext(cfg config.Config) func(*live.Context) {
	return func(lc *live.Context) {
		if lc.Primary.ProviderID == "" {
			lc.Primary = live.Route(cfg.Provider.Primary)
			lc.Secondary = live.Route(cfg.Provider.Secondary)
		}
		if lc.TimeoutMS == 0 {
			lc.TimeoutMS = cfg.Provider.TimeoutMS
		}
		if lc.RetryBudget == 0 {
			lc.RetryBudget = cfg.Provider.RetryBudget
		}
		if lc.DisagreementThresholdBP == 0 {
			lc.DisagreementThresholdBP = cfg.Decision.DisagreementThresholdBP
		}
		lc.EnforceDisagreement = lc.EnforceDisagreement || cfg.Decision.EnforceDisagreement
		lc.CostQualityRouting = lc.CostQualityRouting || cfg.Decision.CostQualityRouting
	}
}

// advertisedRoutes lists the configured provider routes for the registry
// announcement.
func advertisedRoutes(cfg config.ProviderConfig) []registry.Route {
	var routes []registry.Route
	for _, rc := range []config.RouteConfig{cfg.Primary, cfg.Secondary} {
		if rc.ProviderID == "" {
			continue
		}
		routes = append(routes, registry.Route{ProviderID: rc.ProviderID, ModelID: rc.ModelID, CostUnits: rc.CostUnits})
	}
	return routes
}
