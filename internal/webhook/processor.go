// Package webhook processes GitHub pull-request deliveries: signature
// validation, payload sanity checks, per-IP rate limiting, and the
// normalize-then-rank pipeline. Payload incompleteness never fails a
// delivery; GitHub must always get a success once the signature checks
// out.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/grimoire/internal/config"
	"github.com/fyrsmithlabs/grimoire/internal/match"
	"github.com/fyrsmithlabs/grimoire/internal/spell"
	"github.com/fyrsmithlabs/grimoire/internal/spellgen"
)

const instrumentationName = "github.com/fyrsmithlabs/grimoire/internal/webhook"

// Validation regexes compiled once at package initialization.
var (
	validNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	validSHARe  = regexp.MustCompile(`^[0-9a-f]{40}$`)
)

// Per-IP rate limit: 60 requests per minute with burst of 10.
const (
	ipRateLimit = rate.Limit(1)
	ipRateBurst = 10

	maxChangedFiles = 100
)

// Outcome summarizes one processed pull-request delivery.
type Outcome struct {
	Repo     string              `json:"repo"`
	PRNumber int                 `json:"pr_number"`
	Action   string              `json:"action"`
	Status   string              `json:"status"`
	Matches  []match.MatchResult `json:"matches,omitempty"`
	// GeneratedSpellID is set when no spell matched and a draft was
	// auto-generated.
	GeneratedSpellID string `json:"generated_spell_id,omitempty"`
}

// Delivery statuses recorded in the webhook log.
const (
	StatusSuccess = "success"
	StatusIgnored = "ignored"
	StatusError   = "error"
)

// Processor turns validated pull-request events into ranked spell
// matches. Safe for concurrent use.
type Processor struct {
	store     *spell.Store
	ranker    *match.Ranker
	generator *spellgen.Generator
	secret    config.Secret
	ghFiles   pullRequestFileLister
	logger    *zap.Logger

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	lastCleanup  time.Time

	tracer       trace.Tracer
	meter        metric.Meter
	eventCounter metric.Int64Counter
}

// pullRequestFileLister is the slice of the GitHub API the processor
// uses to enrich events with changed file paths.
type pullRequestFileLister interface {
	ListFiles(ctx context.Context, owner, repo string, number int, opts *github.ListOptions) ([]*github.CommitFile, *github.Response, error)
}

// NewProcessor creates a webhook processor. A nil token leaves changed
// file enrichment disabled; events are still processed from the
// delivery payload alone.
func NewProcessor(cfg config.GitHubConfig, store *spell.Store, ranker *match.Ranker, generator *spellgen.Generator, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}

	var files pullRequestFileLister
	if cfg.Token.IsSet() {
		files = github.NewClient(nil).WithAuthToken(cfg.Token.Value()).PullRequests
	}

	p := &Processor{
		store:        store,
		ranker:       ranker,
		generator:    generator,
		secret:       cfg.WebhookSecret,
		ghFiles:      files,
		logger:       logger,
		rateLimiters: make(map[string]*rate.Limiter),
		lastCleanup:  time.Now(),
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p
}

func (p *Processor) initMetrics() {
	var err error
	p.eventCounter, err = p.meter.Int64Counter(
		"grimoire.webhook.events_total",
		metric.WithDescription("Total number of webhook deliveries by status"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create event counter", zap.Error(err))
	}
}

// Allow reports whether the client IP is within its rate limit.
// Limiters are dropped wholesale every hour to bound memory.
func (p *Processor) Allow(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.lastCleanup) > time.Hour {
		p.rateLimiters = make(map[string]*rate.Limiter)
		p.lastCleanup = time.Now()
	}

	limiter, ok := p.rateLimiters[ip]
	if !ok {
		limiter = rate.NewLimiter(ipRateLimit, ipRateBurst)
		p.rateLimiters[ip] = limiter
	}
	return limiter.Allow()
}

// ValidateAndParse checks the delivery signature against the shared
// secret and decodes the event payload.
func (p *Processor) ValidateAndParse(r *http.Request) (any, error) {
	payload, err := github.ValidatePayload(r, []byte(p.secret.Value()))
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}
	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return event, nil
}

// ProcessPullRequest runs the full pipeline for one pull-request
// event: validate, enrich with changed files, normalize, rank, and
// optionally draft a spell when nothing matched. The delivery is
// always logged to the store; payload problems yield an ignored or
// error outcome rather than a failure, so the HTTP layer can answer
// GitHub with success.
func (p *Processor) ProcessPullRequest(ctx context.Context, deliveryID string, event *github.PullRequestEvent) *Outcome {
	ctx, span := p.tracer.Start(ctx, "webhook.process_pull_request")
	defer span.End()

	start := time.Now()
	outcome := &Outcome{
		Repo:     event.GetRepo().GetFullName(),
		PRNumber: event.GetPullRequest().GetNumber(),
		Action:   event.GetAction(),
	}

	span.SetAttributes(
		attribute.String("repo", outcome.Repo),
		attribute.Int("pr_number", outcome.PRNumber),
		attribute.String("action", outcome.Action),
	)

	var procErr error
	if err := validatePREvent(event); err != nil {
		procErr = fmt.Errorf("invalid PR event: %w", err)
		outcome.Status = StatusError
	} else if !processableAction(outcome.Action) {
		outcome.Status = StatusIgnored
	} else if procErr = p.process(ctx, event, outcome); procErr != nil {
		outcome.Status = StatusError
	} else {
		outcome.Status = StatusSuccess
	}

	p.logDelivery(ctx, deliveryID, outcome, procErr, time.Since(start))

	if p.eventCounter != nil {
		p.eventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", outcome.Status),
		))
	}
	span.SetAttributes(attribute.String("status", outcome.Status))
	return outcome
}

func processableAction(action string) bool {
	switch action {
	case "opened", "synchronize", "reopened":
		return true
	}
	return false
}

func (p *Processor) process(ctx context.Context, event *github.PullRequestEvent, outcome *Outcome) error {
	ev := match.PREvent{
		Repo:         outcome.Repo,
		PRNumber:     outcome.PRNumber,
		Action:       outcome.Action,
		ChangedFiles: p.changedFiles(ctx, event),
	}

	// Repository scoping: only registered, active repositories get
	// their spells considered and new drafts attached.
	var repoIDs []string
	rc, err := p.store.RepoConfigByName(ctx, ev.Repo)
	switch {
	case err == nil && rc.Active:
		ev.RepositoryID = rc.ID
		repoIDs = []string{rc.ID}
	case err != nil && err != spell.ErrNotFound:
		return fmt.Errorf("repository lookup failed: %w", err)
	}

	payload := match.NormalizePREvent(ev)

	candidates, err := p.store.Candidates(ctx, repoIDs, payload.ErrorType)
	if err != nil {
		return fmt.Errorf("candidate query failed: %w", err)
	}

	outcome.Matches = p.ranker.Rank(ctx, payload, candidates)

	if p.generator != nil && (len(outcome.Matches) == 0 || outcome.Matches[0].Score == 0) {
		sp, genErr := p.generator.Generate(ctx, payload, &ev)
		if genErr != nil {
			// Draft generation is best-effort; the delivery itself
			// still succeeded.
			p.logger.Warn("spell auto-generation failed",
				zap.String("repo", ev.Repo),
				zap.Error(genErr),
			)
		} else if sp != nil {
			outcome.GeneratedSpellID = sp.ID
		}
	}

	p.logger.Info("processed pull request event",
		zap.String("repo", ev.Repo),
		zap.Int("pr_number", ev.PRNumber),
		zap.String("action", ev.Action),
		zap.Int("matches", len(outcome.Matches)),
	)
	return nil
}

// changedFiles lists the PR's changed file paths via the GitHub API.
// Best-effort: without a token, or on API failure, it returns nil and
// the event is processed from the delivery payload alone.
func (p *Processor) changedFiles(ctx context.Context, event *github.PullRequestEvent) []string {
	if p.ghFiles == nil {
		return nil
	}

	owner := event.GetRepo().GetOwner().GetLogin()
	repo := event.GetRepo().GetName()
	number := event.GetPullRequest().GetNumber()

	files, _, err := p.ghFiles.ListFiles(ctx, owner, repo, number, &github.ListOptions{
		PerPage: maxChangedFiles,
	})
	if err != nil {
		p.logger.Warn("failed to list PR files",
			zap.String("repo", owner+"/"+repo),
			zap.Int("pr_number", number),
			zap.Error(err),
		)
		return nil
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		if name := f.GetFilename(); name != "" {
			paths = append(paths, name)
		}
	}
	return paths
}

func (p *Processor) logDelivery(ctx context.Context, deliveryID string, outcome *Outcome, procErr error, elapsed time.Duration) {
	wl := &spell.WebhookLog{
		DeliveryID: deliveryID,
		Event:      "pull_request",
		Repo:       outcome.Repo,
		PRNumber:   outcome.PRNumber,
		Action:     outcome.Action,
		Status:     outcome.Status,
		Duration:   elapsed,
	}
	if procErr != nil {
		wl.Error = procErr.Error()
	}
	if err := p.store.LogWebhook(ctx, wl); err != nil {
		p.logger.Warn("failed to record webhook log", zap.Error(err))
	}
}

// validatePREvent rejects events with missing or malformed identifiers
// to keep injection out of downstream queries and logs.
func validatePREvent(e *github.PullRequestEvent) error {
	if e.PullRequest == nil || e.PullRequest.Number == nil || *e.PullRequest.Number <= 0 {
		return fmt.Errorf("invalid PR number")
	}
	if e.Repo == nil || e.Repo.Owner == nil || e.Repo.Owner.Login == nil {
		return fmt.Errorf("invalid repository owner")
	}
	if !validNameRe.MatchString(*e.Repo.Owner.Login) {
		return fmt.Errorf("invalid repository owner format")
	}
	if e.Repo.Name == nil {
		return fmt.Errorf("invalid repository name")
	}
	if !validNameRe.MatchString(*e.Repo.Name) {
		return fmt.Errorf("invalid repository name format")
	}
	if e.PullRequest.Head == nil || e.PullRequest.Head.SHA == nil {
		return fmt.Errorf("invalid PR head SHA")
	}
	if !validSHARe.MatchString(*e.PullRequest.Head.SHA) {
		return fmt.Errorf("invalid SHA format")
	}
	return nil
}
