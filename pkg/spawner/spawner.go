// Package spawner drives a user's lab through the controller: it creates
// the lab, follows the controller's progress events, republishes them to any
// number of progress observers, and answers liveness and stop requests.
//
// One Spawner exists per user. The host never calls Start concurrently for
// the same user, but it may call Progress, Poll and URL at any time.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/holon-run/restspawner/pkg/controller"
	holonlog "github.com/holon-run/restspawner/pkg/log"
	"github.com/holon-run/restspawner/pkg/sse"
)

// User is the identity a Spawner acts for.
type User struct {
	Name  string
	Token oauth2.TokenSource
}

// Options tune a Spawner.
type Options struct {
	// StartTimeout bounds the whole spawn and how long an observer waits.
	StartTimeout time.Duration
	// EventTimeout is the longest silence tolerated on the event stream.
	EventTimeout time.Duration
	StopTimeout  time.Duration
	// CompleteProgress is the progress reported with the complete event.
	// Zero means 90; values above 100 are capped.
	CompleteProgress int
	// CleanupOnFailure deletes the lab after the controller reports a
	// failed spawn.
	CleanupOnFailure bool
	Codec            sse.Codec
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		StartTimeout:     10 * time.Minute,
		EventTimeout:     5 * time.Minute,
		StopTimeout:      5 * time.Minute,
		CompleteProgress: 90,
		CleanupOnFailure: true,
		Codec:            sse.JSONCodec{},
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.StartTimeout <= 0 {
		o.StartTimeout = def.StartTimeout
	}
	if o.EventTimeout <= 0 {
		o.EventTimeout = def.EventTimeout
	}
	if o.EventTimeout > o.StartTimeout {
		o.EventTimeout = o.StartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = def.StopTimeout
	}
	if o.CompleteProgress <= 0 {
		o.CompleteProgress = def.CompleteProgress
	}
	o.CompleteProgress = min(o.CompleteProgress, 100)
	if o.Codec == nil {
		o.Codec = def.Codec
	}
	return o
}

// StartRequest carries the host's spawn inputs, passed to the controller
// unchanged.
type StartRequest struct {
	Options map[string]any
	Env     map[string]string
}

// Spawner manages one user's lab.
type Spawner struct {
	client *controller.Client
	user   User
	opts   Options
	log    *zap.SugaredLogger

	mu      sync.Mutex
	current *Attempt
	lastURL string
}

// New creates a Spawner. The client is shared by every user.
func New(client *controller.Client, user User, opts Options) *Spawner {
	return &Spawner{
		client: client,
		user:   user,
		opts:   opts.normalize(),
		log:    holonlog.With("user", user.Name),
	}
}

// Current returns the latest attempt, or nil before the first Start.
func (s *Spawner) Current() *Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Start begins a new attempt and returns at once. The attempt replaces any
// previous one, whose log is sealed so its observers drain and stop.
func (s *Spawner) Start(ctx context.Context, req StartRequest) *Attempt {
	a := newAttempt(s.log, s.opts.StartTimeout)

	s.mu.Lock()
	prev := s.current
	s.current = a
	s.mu.Unlock()
	if prev != nil {
		prev.seal()
	}

	go func() {
		url, err := s.run(ctx, a, req)
		if err == nil {
			s.mu.Lock()
			s.lastURL = url
			s.mu.Unlock()
		}
		a.finish(url, err)
	}()
	return a
}

// Spawn runs a full attempt and returns the lab URL.
func (s *Spawner) Spawn(ctx context.Context, req StartRequest) (string, error) {
	return s.Start(ctx, req).Wait(ctx)
}

// Progress follows the attempt that is current when Progress is called.
// Before any Start the sequence is empty.
func (s *Spawner) Progress(ctx context.Context) iter.Seq[ProgressUpdate] {
	a := s.Current()
	return func(yield func(ProgressUpdate) bool) {
		if a == nil {
			return
		}
		for ev := range a.Observe(ctx) {
			if !yield(ev.Update()) {
				return
			}
		}
	}
}

func (s *Spawner) run(ctx context.Context, a *Attempt, req StartRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()

	start := time.Now()
	url, err := s.spawn(ctx, a, req)
	if err == nil {
		a.log.Infow("lab started", "url", url, "elapsed", time.Since(start))
		return url, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		err = fmt.Errorf("%w after %s", ErrTimedOut, time.Since(start).Round(time.Second))
	}
	a.log.Errorw("lab creation failed", "error", err)

	var failed *SpawnFailedError
	if errors.As(err, &failed) && s.opts.CleanupOnFailure {
		a.record(SpawnEvent{
			Message:  "Lab creation failed, attempting to clean up",
			Severity: sse.SeverityWarning,
			Failed:   true,
		})
		s.cleanup(ctx, a)
		return "", err
	}
	a.record(SpawnEvent{
		Message:  "Lab creation failed: " + err.Error(),
		Severity: sse.SeverityError,
		Failed:   true,
	})
	return "", err
}

// cleanup deletes a lab whose spawn failed. It outlives the spawn context
// so a failure near the deadline is still cleaned up.
func (s *Spawner) cleanup(ctx context.Context, a *Attempt) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
	defer cancel()
	if err := s.client.DeleteLab(ctx, s.user.Name); err != nil {
		a.log.Errorw("failed to clean up lab", "error", err)
	}
}

func (s *Spawner) spawn(ctx context.Context, a *Attempt, req StartRequest) (string, error) {
	body := controller.CreateLabRequest{Options: req.Options, Env: req.Env}
	res, err := s.client.CreateLab(ctx, s.user.Name, s.user.Token, body)
	if err != nil {
		return "", err
	}

	if res.Exists {
		a.log.Infow("lab already exists or is being created", "status", res.StatusCode)
		lab, err := s.client.GetLab(ctx, s.user.Name)
		switch {
		case errors.Is(err, controller.ErrLabNotFound):
		case err != nil:
			return "", err
		// A lab that is still starting may already have a URL; its events
		// decide whether it comes up.
		case lab.Status == controller.LabRunning && lab.InternalURL != "":
			s.alreadyRunning(a)
			return lab.InternalURL, nil
		}
	} else if res.InternalURL != "" {
		s.alreadyRunning(a)
		return res.InternalURL, nil
	}

	a.log.Infow("following lab events")
	return s.stream(ctx, a)
}

func (s *Spawner) alreadyRunning(a *Attempt) {
	a.record(SpawnEvent{
		Progress: s.opts.CompleteProgress,
		Message:  "Lab is already running",
		Severity: sse.SeverityInfo,
		Complete: true,
	})
}

type streamItem struct {
	ev  sse.Event
	err error
}

func (s *Spawner) stream(ctx context.Context, a *Attempt) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := s.client.Events(ctx, s.user.Name, s.user.Token)
	if err != nil {
		return "", err
	}
	defer body.Close()

	items := make(chan streamItem)
	go func() {
		r := sse.NewReader(body)
		for {
			ev, err := r.Next()
			select {
			case items <- streamItem{ev: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	stale := time.NewTimer(s.opts.EventTimeout)
	defer stale.Stop()

	for {
		var item streamItem
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-stale.C:
			return "", fmt.Errorf("%w: no event for %s", ErrTimedOut, s.opts.EventTimeout)
		case item = <-items:
		}
		stale.Reset(s.opts.EventTimeout)

		if item.err != nil {
			return "", s.streamError(ctx, item.err)
		}

		update, err := s.opts.Codec.Decode(item.ev)
		if err != nil {
			a.log.Warnw("ignoring invalid event", "type", item.ev.Type, "error", err)
			continue
		}

		switch u := update.(type) {
		case sse.Ping:
		case sse.Progress:
			a.setProgress(u.Percent)
		case sse.Message:
			if u.HasPercent {
				a.setProgress(u.Percent)
			}
			a.record(SpawnEvent{Message: u.Text, Severity: u.Severity})
		case sse.Complete:
			a.record(SpawnEvent{
				Progress: s.opts.CompleteProgress,
				Message:  u.Text,
				Severity: sse.SeverityInfo,
				Complete: true,
			})
			return s.client.InternalURL(ctx, s.user.Name)
		case sse.Failed:
			// With cleanup the cleanup notice is the terminal entry.
			a.record(SpawnEvent{Message: u.Text, Severity: sse.SeverityError, Failed: !s.opts.CleanupOnFailure})
			return "", &SpawnFailedError{Message: u.Text}
		}
	}
}

func (s *Spawner) streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return ErrStreamEnded
	}
	var parseErr *sse.ParseError
	if errors.As(err, &parseErr) {
		return &ProtocolError{Err: err}
	}
	return &controller.WebError{
		Method: http.MethodGet,
		URL:    s.client.URL("labs", s.user.Name, "events"),
		Err:    err,
	}
}

// Stop deletes the user's lab. A lab that is already gone is not an error.
func (s *Spawner) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()

	if err := s.client.DeleteLab(ctx, s.user.Name); err != nil {
		return fmt.Errorf("failed to stop lab for %s: %w", s.user.Name, err)
	}
	s.log.Infow("lab stopped")
	return nil
}

// URL returns the lab's internal URL, falling back to the URL recorded by
// the last successful Start when the controller cannot be asked.
func (s *Spawner) URL(ctx context.Context) string {
	url, err := s.client.InternalURL(ctx, s.user.Name)
	if err == nil {
		return url
	}
	s.log.Warnw("cannot get lab URL, using last known", "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// OptionsForm returns the HTML form the user fills in before spawning.
func (s *Spawner) OptionsForm(ctx context.Context) (string, error) {
	return s.client.LabForm(ctx, s.user.Name, s.user.Token)
}
