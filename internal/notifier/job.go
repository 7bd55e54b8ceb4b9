// Package notifier runs the open connections digest: it loads connection
// requests, builds one digest per connector and hands each digest to the
// communication service.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/BEMADEV/Open-Connections-Digest/internal/database"
	"github.com/BEMADEV/Open-Connections-Digest/internal/digest"
	"github.com/BEMADEV/Open-Connections-Digest/internal/logging"
	"github.com/BEMADEV/Open-Connections-Digest/internal/models"
)

// ErrMissingSystemCommunication aborts a run before anything is sent.
var ErrMissingSystemCommunication = errors.New("System Communication is required!")

// RequestSource is the slice of the Rock database the job reads from.
type RequestSource interface {
	ConnectionRequests(ctx context.Context, q database.RequestQuery) ([]models.ConnectionRequest, error)
	Person(ctx context.Context, personID int) (*models.Person, error)
	GroupMemberPersonIDs(ctx context.Context, groupGUID uuid.UUID, includeDescendants bool) ([]int, error)
	SystemCommunication(ctx context.Context, guid uuid.UUID) (*models.SystemCommunication, error)
}

// Notifier delivers one rendered digest to one person.
type Notifier interface {
	HasActiveTransport(medium models.Medium) bool
	Send(ctx context.Context, person models.Person, medium models.Medium, comm *models.SystemCommunication, mergeFields map[string]any) models.SendResult
}

// Options carries the per-run settings.
type Options struct {
	SystemCommunication     uuid.UUID
	SendUsing               models.CommunicationType
	OpportunityGUIDs        []uuid.UUID
	ConnectionGroup         *uuid.UUID
	IncludeDescendantGroups bool
	Presentation            digest.Presentation
	LastSuccessfulRun       *time.Time
	Location                *time.Location

	// Now pins the run's reference time. The job clock is used when zero.
	Now time.Time
}

// Dispatch is the outcome for a single recipient.
type Dispatch struct {
	Bundle digest.RecipientBundle
	Medium models.Medium
	Result models.SendResult
}

type RunResult struct {
	StartedAt       time.Time
	RequestsScanned int
	MessagesSent    int
	Warnings        []string
	Errors          []string
	Dispatches      []Dispatch
}

// Stats condenses the result for run history and logging.
func (r *RunResult) Stats(duration time.Duration) models.RunStats {
	return models.RunStats{
		RequestsScanned: r.RequestsScanned,
		Connectors:      len(r.Dispatches),
		MessagesSent:    r.MessagesSent,
		Warnings:        len(r.Warnings),
		Errors:          len(r.Errors),
		Duration:        duration,
	}
}

// Summary is the human-readable run result.
func (r *RunResult) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d connection reminders sent.", r.MessagesSent)
	b.WriteString(FormatMessages(r.Warnings, "Warning"))
	b.WriteString(FormatMessages(r.Errors, "Error"))
	return b.String()
}

// FormatMessages renders a counted block such as "2 Warnings:" followed by
// one message per line. An empty list renders nothing.
func FormatMessages(messages []string, label string) string {
	if len(messages) == 0 {
		return ""
	}
	if len(messages) > 1 {
		label += "s"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%d %s:", len(messages), label)
	for _, m := range messages {
		b.WriteString("\n")
		b.WriteString(m)
	}
	return b.String()
}

// RunError reports a run that finished dispatching but collected errors,
// or one that could not start.
type RunError struct {
	Summary string
	Err     error
}

func (e *RunError) Error() string {
	if e.Err != nil && e.Summary == "" {
		return e.Err.Error()
	}
	return e.Summary
}

func (e *RunError) Unwrap() error { return e.Err }

type Job struct {
	source   RequestSource
	notifier Notifier
	clock    clock.PassiveClock
	logger   *logging.Logger
	quiet    *QuietHours
	workers  int
	limiter  *rate.Limiter
}

type JobOption func(*Job)

func WithClock(c clock.PassiveClock) JobOption { return func(j *Job) { j.clock = c } }

func WithQuietHours(q *QuietHours) JobOption { return func(j *Job) { j.quiet = q } }

// WithWorkers bounds how many recipients are assembled concurrently.
func WithWorkers(n int) JobOption {
	return func(j *Job) {
		if n > 0 {
			j.workers = n
		}
	}
}

// WithSendRate paces dispatch to perMinute messages. Zero disables pacing.
func WithSendRate(perMinute int) JobOption {
	return func(j *Job) {
		if perMinute <= 0 {
			j.limiter = nil
			return
		}
		j.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
}

func NewJob(source RequestSource, n Notifier, logger *logging.Logger, opts ...JobOption) *Job {
	if logger == nil {
		logger = logging.Discard()
	}
	j := &Job{
		source:   source,
		notifier: n,
		clock:    clock.RealClock{},
		logger:   logger,
		workers:  4,
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Run executes one digest pass. Per-recipient failures don't stop other
// recipients; they are collected and reported as a *RunError once every
// digest has been attempted.
func (j *Job) Run(ctx context.Context, opts Options) (*RunResult, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now.IsZero() {
		now = j.clock.Now()
	}
	now = now.In(loc)

	result := &RunResult{StartedAt: now}

	comm, err := j.source.SystemCommunication(ctx, opts.SystemCommunication)
	if err != nil {
		return result, fmt.Errorf("failed to load system communication: %w", err)
	}
	if comm == nil {
		// reported as a warning block, but the run still fails
		result.Warnings = append(result.Warnings, ErrMissingSystemCommunication.Error())
		j.logger.Warn(ErrMissingSystemCommunication.Error())
		return result, &RunError{Summary: result.Summary(), Err: ErrMissingSystemCommunication}
	}

	sendUsing, policyWarnings := ResolveChannelPolicy(opts.SendUsing, *comm, j.notifier.HasActiveTransport(models.MediumSMS))
	result.Warnings = append(result.Warnings, policyWarnings...)
	for _, w := range policyWarnings {
		j.logger.Warn(w)
	}
	if sendUsing != opts.SendUsing {
		j.logger.Info("send-using downgraded", "configured", opts.SendUsing.String(), "effective", sendUsing.String())
	}

	midnight := digest.StartOfTomorrow(now)
	requests, err := j.source.ConnectionRequests(ctx, database.RequestQuery{
		FollowUpBefore:   midnight,
		OpportunityGUIDs: opts.OpportunityGUIDs,
	})
	if err != nil {
		return result, fmt.Errorf("failed to load connection requests: %w", err)
	}
	result.RequestsScanned = len(requests)

	scope, err := j.connectorScope(ctx, opts)
	if err != nil {
		return result, err
	}

	filtered := digest.Filter(requests, digest.FilterOptions{
		Now:              now,
		OpportunityGUIDs: opts.OpportunityGUIDs,
		ConnectorScope:   scope,
	})
	groups := digest.GroupByConnector(filtered)
	j.logger.Verbose("requests selected", "scanned", len(requests), "eligible", len(filtered), "connectors", len(groups))

	bundles, assemblyErrors, err := j.assemble(ctx, groups, now, opts)
	if err != nil {
		return result, err
	}
	result.Errors = append(result.Errors, assemblyErrors...)

	if err := j.dispatch(ctx, bundles, comm, sendUsing, now, result); err != nil {
		return result, err
	}

	if len(result.Errors) > 0 {
		return result, &RunError{Summary: result.Summary()}
	}
	return result, nil
}

// connectorScope resolves the optional connection group. A nil map means
// every connector is in scope.
func (j *Job) connectorScope(ctx context.Context, opts Options) (map[int]struct{}, error) {
	if opts.ConnectionGroup == nil {
		return nil, nil
	}

	ids, err := j.source.GroupMemberPersonIDs(ctx, *opts.ConnectionGroup, opts.IncludeDescendantGroups)
	if errors.Is(err, database.ErrGroupNotFound) {
		j.logger.Warn("connection group not found, not scoping by group", "group", opts.ConnectionGroup.String())
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection group members: %w", err)
	}

	scope := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		scope[id] = struct{}{}
	}
	return scope, nil
}

// assemble looks up each connector and builds their bundle. Order follows
// groups. A connector that cannot be loaded becomes a recipient error; only
// cancellation stops the pass.
func (j *Job) assemble(ctx context.Context, groups []digest.ConnectorGroup, now time.Time, opts Options) ([]digest.RecipientBundle, []string, error) {
	slots := make([]*digest.RecipientBundle, len(groups))
	problems := make([]string, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)

	for i, group := range groups {
		g.Go(func() error {
			person, err := j.source.Person(gctx, group.PersonID)
			if errors.Is(err, database.ErrPersonNotFound) {
				problems[i] = fmt.Sprintf("Connector person %d could not be found.", group.PersonID)
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				j.logger.Warn("failed to load connector", "person_id", group.PersonID, "error", err)
				problems[i] = fmt.Sprintf("Failed to load connector person %d: %v", group.PersonID, err)
				return nil
			}

			c := digest.Classify(group.Requests, now, opts.LastSuccessfulRun)
			b := digest.Assemble(*person, group, c, opts.LastSuccessfulRun, opts.Presentation)
			slots[i] = &b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	bundles := make([]digest.RecipientBundle, 0, len(groups))
	var errs []string
	for i := range groups {
		if problems[i] != "" {
			errs = append(errs, problems[i])
		}
		if slots[i] != nil {
			bundles = append(bundles, *slots[i])
		}
	}
	return bundles, errs, nil
}

func (j *Job) dispatch(ctx context.Context, bundles []digest.RecipientBundle, comm *models.SystemCommunication, sendUsing models.CommunicationType, now time.Time, result *RunResult) error {
	smsAllowed := j.quiet.SMSAllowed(now)
	if !smsAllowed {
		j.logger.Info("inside quiet hours, texts will go out as email")
	}
	available := func(m models.Medium) bool {
		switch m {
		case models.MediumSMS:
			return smsAllowed && strings.TrimSpace(comm.SMSMessage) != "" && j.notifier.HasActiveTransport(m)
		case models.MediumPush:
			return strings.TrimSpace(comm.PushBody) != "" && j.notifier.HasActiveTransport(m)
		default:
			return true
		}
	}

	for _, b := range bundles {
		if j.limiter != nil {
			if err := j.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("dispatch interrupted: %w", err)
			}
		}

		medium := ResolveMedium(sendUsing, b.Person.CommunicationPreference, available)
		res := j.notifier.Send(ctx, b.Person, medium, comm, b.MergeFields())

		j.logger.Verbose("digest dispatched",
			"person_id", b.Person.ID,
			"medium", string(medium),
			"requests", len(b.Requests),
			"sent", res.MessagesSent,
		)

		for _, w := range res.Warnings {
			j.logger.Warn(w, "person_id", b.Person.ID)
		}

		result.MessagesSent += res.MessagesSent
		result.Warnings = append(result.Warnings, res.Warnings...)
		result.Errors = append(result.Errors, res.Errors...)
		result.Dispatches = append(result.Dispatches, Dispatch{Bundle: b, Medium: medium, Result: res})
	}
	return nil
}
