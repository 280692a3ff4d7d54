package ga4etl

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/xerrors"
)

// Notifier notifies the progress of runs.
type Notifier interface {
	Notify(context.Context, *Result) error
}

// ResultKind is the stage of a run a Result reports.
type ResultKind int

// Kinds of results.
const (
	ResultStarted ResultKind = iota
	ResultSucceeded
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultStarted:
		return "started"
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// Result is a notification of a run.
type Result struct {
	Kind  ResultKind
	Mode  Mode
	Range DateRange

	// Stats is nil for ResultStarted.
	Stats *RunStats
	Error error
}

var printer = message.NewPrinter(language.English)

// Text renders r as a plain text message.
func (r *Result) Text() string {
	scope := fmt.Sprintf("%s mode", r.Mode)
	if r.Range != (DateRange{}) {
		scope += ", " + r.Range.String()
	}

	switch r.Kind {
	case ResultStarted:
		return "GA4 ETL started: " + scope
	case ResultSucceeded:
		return "GA4 ETL succeeded: " + scope
	default:
		return fmt.Sprintf("GA4 ETL failed: %s: %v", scope, r.Error)
	}
}

func (r *Result) details() []string {
	if r.Stats == nil {
		return nil
	}

	t := r.Stats.Totals()
	lines := []string{
		printer.Sprintf("*Dates processed:* %d", r.Stats.Processed()),
		printer.Sprintf("*events:* %d rows", t.EventsLoaded),
		printer.Sprintf("*sessions:* %d rows", t.SessionsLoaded),
		printer.Sprintf("*user_profiles:* %d users merged", t.UsersMerged),
	}

	if t.Unattributed > 0 {
		lines = append(lines, printer.Sprintf("*Unattributed rows:* %d", t.Unattributed))
	}
	if ds := r.Stats.SkippedDates(); len(ds) > 0 {
		lines = append(lines, "*Skipped dates:* "+joinDates(ds))
	}
	if ds := r.Stats.FailedDates(); len(ds) > 0 {
		lines = append(lines, "*Failed dates:* "+joinDates(ds))
	}
	if r.Stats.Duration > 0 {
		lines = append(lines, fmt.Sprintf("*Duration:* %s", r.Stats.Duration.Round(time.Second)))
	}

	return lines
}

func joinDates(ds []civil.Date) string {
	s := make([]string, len(ds))
	for i, d := range ds {
		s[i] = d.String()
	}
	return strings.Join(s, ", ")
}

// SlackNotifier is a notifier for Slack. It posts to WebhookURL when set,
// otherwise to Channel with Token.
type SlackNotifier struct {
	WebhookURL string
	Channel    string
	IconEmoji  string
	Username   string
	Token      string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewSlackNotifier builds a SlackNotifier from c.
func NewSlackNotifier(c SlackConfig) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: c.WebhookURL,
		Channel:    c.Channel,
		IconEmoji:  c.IconEmoji,
		Username:   c.Username,
		Token:      c.Token,
	}
}

// Notify notifies results to Slack channel.
func (n *SlackNotifier) Notify(ctx context.Context, r *Result) error {
	l := log.Ctx(ctx)

	text := r.Text()
	blocks := slackBlocks(r)

	l.Debug().Str("kind", r.Kind.String()).Msgf("posting to slack: %s", text)

	if n.WebhookURL != "" {
		m := &slack.WebhookMessage{
			Channel:   n.Channel,
			IconEmoji: n.IconEmoji,
			Username:  n.Username,
			Text:      text,
			Blocks:    &slack.Blocks{BlockSet: blocks},
		}

		if err := slack.PostWebhookCustomHTTPContext(ctx, n.WebhookURL, n.httpClient(), m); err != nil {
			return xerrors.Errorf("slack webhook failed: %w", err)
		}

		return nil
	}

	if n.Token == "" {
		return xerrors.New("slack notifier needs a webhook URL or a token")
	}

	api := slack.New(n.Token, slack.OptionHTTPClient(n.httpClient()))

	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	}
	if n.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(n.Username))
	}
	if n.IconEmoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(n.IconEmoji))
	}

	if _, _, err := api.PostMessageContext(ctx, n.Channel, opts...); err != nil {
		return xerrors.Errorf("slack postMessage failed: %w", err)
	}

	return nil
}

func (n *SlackNotifier) httpClient() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return http.DefaultClient
}

func slackBlocks(r *Result) []slack.Block {
	var icon string
	switch r.Kind {
	case ResultStarted:
		icon = ":arrow_forward:"
	case ResultSucceeded:
		icon = ":white_check_mark:"
	default:
		icon = ":x:"
	}

	header := slack.NewTextBlockObject(slack.MarkdownType, icon+" "+r.Text(), false, false)
	blocks := []slack.Block{slack.NewSectionBlock(header, nil, nil)}

	if lines := r.details(); len(lines) > 0 {
		body := slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false)
		blocks = append(blocks, slack.NewSectionBlock(body, nil, nil))
	}

	if r.Kind == ResultFailed && r.Error != nil {
		detail := slack.NewTextBlockObject(slack.MarkdownType, "```"+r.Error.Error()+"```", false, false)
		blocks = append(blocks, slack.NewSectionBlock(detail, nil, nil))
	}

	return blocks
}

// LogNotifier writes notifications to the context logger.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, r *Result) error {
	l := log.Ctx(ctx)

	ev := l.Info()
	if r.Kind == ResultFailed {
		ev = l.Error().Err(r.Error)
	}

	if r.Stats != nil {
		t := r.Stats.Totals()
		ev = ev.
			Int("processed", r.Stats.Processed()).
			Int("events", t.EventsLoaded).
			Int("sessions", t.SessionsLoaded).
			Int("users", t.UsersMerged).
			Int("unattributed", t.Unattributed).
			Str("skipped", joinDates(r.Stats.SkippedDates())).
			Str("failed", joinDates(r.Stats.FailedDates())).
			Dur("duration", r.Stats.Duration)
	}

	ev.Str("kind", r.Kind.String()).Msg(r.Text())

	return nil
}
