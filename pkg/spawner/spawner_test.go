package spawner

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/holon-run/restspawner/pkg/auth"
	"github.com/holon-run/restspawner/pkg/controller"
	"github.com/holon-run/restspawner/pkg/controller/controllertest"
	"github.com/holon-run/restspawner/pkg/sse"
)

const (
	userToken  = "user-token"
	adminToken = "admin-token"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.StartTimeout = 10 * time.Second
	opts.EventTimeout = 5 * time.Second
	opts.StopTimeout = 5 * time.Second
	return opts
}

func newTestSpawner(t *testing.T, opts Options) (*controllertest.Server, *Spawner) {
	t.Helper()
	fake := controllertest.New(userToken, adminToken)
	t.Cleanup(fake.Close)
	return fake, spawnerFor(fake.BaseURL, opts)
}

func spawnerFor(baseURL string, opts Options) *Spawner {
	client := controller.NewClient(baseURL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: adminToken}))
	return New(client, User{Name: "alice", Token: auth.StaticUserToken(userToken)}, opts)
}

func collectProgress(ctx context.Context, s *Spawner) []ProgressUpdate {
	var out []ProgressUpdate
	for u := range s.Progress(ctx) {
		out = append(out, u)
	}
	return out
}

var expectedSuccess = []ProgressUpdate{
	{Progress: 2, Message: "[info] Lab creation initiated"},
	{Progress: 45, Message: "[info] Pod requested"},
	{Progress: 90, Message: "[info] Pod successfully spawned for alice", Ready: true},
}

func TestSpawn(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	ctx := context.Background()
	req := StartRequest{
		Options: map[string]any{"size": "small", "enable_debug": true},
		Env:     map[string]string{"JUPYTERHUB_API_URL": "http://hub:8081/hub/api"},
	}

	url, err := s.Spawn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, controllertest.InternalURL("alice"), url)
	assert.Equal(t, expectedSuccess, collectProgress(ctx, s))

	reqs := fake.Requests("alice")
	require.Len(t, reqs, 1)
	assert.Equal(t, "small", reqs[0].Options["size"])
	assert.Equal(t, true, reqs[0].Options["enable_debug"])
	assert.Equal(t, req.Env, reqs[0].Env)
	assert.Equal(t, 1, fake.Streams("alice"))
}

func TestSpawnBareFraming(t *testing.T) {
	opts := testOptions()
	opts.Codec = sse.BareCodec{}
	fake, s := newTestSpawner(t, opts)
	fake.SetFraming("bare")
	ctx := context.Background()

	url, err := s.Spawn(ctx, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, controllertest.InternalURL("alice"), url)
	assert.Equal(t, expectedSuccess, collectProgress(ctx, s))
}

func TestSpawnTwiceDoesNotRecreate(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	ctx := context.Background()

	first := s.Start(ctx, StartRequest{})
	url1, err := first.Wait(ctx)
	require.NoError(t, err)

	url2, err := s.Spawn(ctx, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, fake.Creates("alice"))
	assert.Len(t, fake.Requests("alice"), 2)
	assert.Equal(t, 1, fake.Streams("alice"), "second start must not follow events")

	// The superseded attempt keeps its own log.
	var old []ProgressUpdate
	for ev := range first.Observe(ctx) {
		old = append(old, ev.Update())
	}
	assert.Equal(t, expectedSuccess, old)

	assert.Equal(t, []ProgressUpdate{
		{Progress: 90, Message: "[info] Lab is already running", Ready: true},
	}, collectProgress(ctx, s))
}

func TestSpawnFollowsLabBeingCreated(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	fake.SetStatus("alice", controller.LabStarting)

	url, err := s.Spawn(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, controllertest.InternalURL("alice"), url)
	assert.Equal(t, 0, fake.Creates("alice"))
	assert.Equal(t, 1, fake.Streams("alice"))
}

func TestSpawnCreateReturnsURL(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	fake.SetReturnURL(true)

	url, err := s.Spawn(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, controllertest.InternalURL("alice"), url)
	assert.Equal(t, 0, fake.Streams("alice"))
}

func TestPollLifecycle(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	ctx := context.Background()

	state, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedClean, state)

	_, err = s.Spawn(ctx, StartRequest{})
	require.NoError(t, err)
	state, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, StillRunning, state)

	fake.SetStatus("alice", controller.LabFailed)
	state, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedFailed, state)

	require.NoError(t, s.Stop(ctx))
	state, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedClean, state)
}

func TestPollError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()
	s := spawnerFor(srv.URL, testOptions())

	state, err := s.Poll(context.Background())
	var webErr *controller.WebError
	require.ErrorAs(t, err, &webErr)
	assert.Equal(t, http.StatusBadGateway, webErr.Status)
	assert.Equal(t, StillRunning, state)
}

func TestPollStateString(t *testing.T) {
	tests := []struct {
		state   PollState
		str     string
		code    int
		hasCode bool
	}{
		{StillRunning, "running", 0, false},
		{ExitedClean, "exited-clean", 0, true},
		{ExitedFailed, "exited-failed", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			assert.Equal(t, tt.str, tt.state.String())
			code, ok := tt.state.ExitCode()
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.hasCode, ok)
		})
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	ctx := context.Background()

	require.NoError(t, s.Stop(ctx))

	fake.SetStatus("alice", controller.LabRunning)
	require.NoError(t, s.Stop(ctx))
	_, exists := fake.Status("alice")
	assert.False(t, exists)

	require.NoError(t, s.Stop(ctx))
}

func TestProgressFanOut(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	fake.SetDelay(100 * time.Millisecond)
	ctx := context.Background()

	a := s.Start(ctx, StartRequest{})

	results := make([][]ProgressUpdate, 3)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			results[i] = collectProgress(ctx, s)
			return nil
		})
	}

	url, err := a.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, controllertest.InternalURL("alice"), url)

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("progress observers did not finish")
	}

	for i, got := range results {
		assert.Equal(t, expectedSuccess, got, "observer %d", i)
	}
	assert.Equal(t, 1, fake.Streams("alice"))
}

func TestProgressBeforeStart(t *testing.T) {
	_, s := newTestSpawner(t, testOptions())
	assert.Empty(t, collectProgress(context.Background(), s))
	assert.Nil(t, s.Current())
}

func TestSpawnFailure(t *testing.T) {
	fake, s := newTestSpawner(t, testOptions())
	fake.SetDelay(100 * time.Millisecond)
	fake.SetFailDuringSpawn(true)
	ctx := context.Background()

	a := s.Start(ctx, StartRequest{})
	var progress []ProgressUpdate
	var g errgroup.Group
	g.Go(func() error {
		progress = collectProgress(ctx, s)
		return nil
	})

	_, err := a.Wait(ctx)
	var failed *SpawnFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "Some random failure for alice", failed.Message)
	require.NoError(t, g.Wait())

	assert.Equal(t, []ProgressUpdate{
		{Progress: 2, Message: "[info] Lab creation initiated"},
		{Progress: 45, Message: "[info] Pod requested"},
		{Progress: 45, Message: "[error] Something is going wrong"},
		{Progress: 45, Message: "[error] Some random failure for alice"},
		{Progress: 45, Message: "[warning] Lab creation failed, attempting to clean up"},
	}, progress)

	// The failed lab was cleaned up before Wait returned.
	state, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedClean, state)

	require.NoError(t, s.Stop(ctx))
	state, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedClean, state)
}

func TestSpawnFailureWithoutCleanup(t *testing.T) {
	opts := testOptions()
	opts.CleanupOnFailure = false
	fake, s := newTestSpawner(t, opts)
	fake.SetFailDuringSpawn(true)
	ctx := context.Background()

	_, err := s.Spawn(ctx, StartRequest{})
	var failed *SpawnFailedError
	require.ErrorAs(t, err, &failed)

	progress := collectProgress(ctx, s)
	require.NotEmpty(t, progress)
	assert.Equal(t, "[error] Some random failure for alice", progress[len(progress)-1].Message)

	state, err := s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedFailed, state)

	require.NoError(t, s.Stop(ctx))
	state, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExitedClean, state)
}

func TestSpawnStalledStream(t *testing.T) {
	opts := testOptions()
	opts.StartTimeout = 3 * time.Second
	opts.EventTimeout = 200 * time.Millisecond
	fake, s := newTestSpawner(t, opts)
	fake.SetStall(10 * time.Second)
	ctx := context.Background()

	a := s.Start(ctx, StartRequest{})
	start := time.Now()
	progress := collectProgress(ctx, s)
	assert.Less(t, time.Since(start), 3*time.Second)

	require.Len(t, progress, 1)
	assert.False(t, progress[0].Ready)
	assert.Contains(t, progress[0].Message, "[error] Lab creation failed: ")

	_, err := a.Wait(ctx)
	require.ErrorIs(t, err, ErrTimedOut)
}

// scriptedController answers create with 201 and serves body on the event
// stream.
func scriptedController(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/create"):
			w.WriteHeader(http.StatusCreated)
		case strings.HasSuffix(r.URL.Path, "/events"):
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSpawnStreamErrors(t *testing.T) {
	t.Run("missing event type", func(t *testing.T) {
		srv := scriptedController(t, "data: x\n\n")
		_, err := spawnerFor(srv.URL, testOptions()).Spawn(context.Background(), StartRequest{})
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.ErrorIs(t, err, sse.ErrMissingEventType)
	})

	t.Run("conflicting event type", func(t *testing.T) {
		srv := scriptedController(t, "event: info\nevent: error\ndata: {}\n\n")
		_, err := spawnerFor(srv.URL, testOptions()).Spawn(context.Background(), StartRequest{})
		assert.ErrorIs(t, err, sse.ErrEventTypeConflict)
	})

	t.Run("stream ends early", func(t *testing.T) {
		srv := scriptedController(t, "event: info\ndata: {\"message\": \"hi\", \"progress\": 5}\n\n")
		s := spawnerFor(srv.URL, testOptions())
		_, err := s.Spawn(context.Background(), StartRequest{})
		require.ErrorIs(t, err, ErrStreamEnded)

		progress := collectProgress(context.Background(), s)
		require.Len(t, progress, 2)
		assert.Equal(t, ProgressUpdate{Progress: 5, Message: "[info] hi"}, progress[0])
		assert.Equal(t, 5, progress[1].Progress)
		assert.Equal(t, "[error] Lab creation failed: "+ErrStreamEnded.Error(), progress[1].Message)
	})

	t.Run("complete but lab gone", func(t *testing.T) {
		srv := scriptedController(t, "event: complete\ndata: {\"message\": \"up\"}\n\n")
		_, err := spawnerFor(srv.URL, testOptions()).Spawn(context.Background(), StartRequest{})
		assert.ErrorIs(t, err, controller.ErrLabNotFound)
	})

	t.Run("complete without url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/create"):
				w.WriteHeader(http.StatusCreated)
			case strings.HasSuffix(r.URL.Path, "/events"):
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, "event: complete\ndata: {\"message\": \"up\"}\n\n")
			case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/labs/alice"):
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"status": "running"}`)
			default:
				http.NotFound(w, r)
			}
		}))
		defer srv.Close()

		_, err := spawnerFor(srv.URL, testOptions()).Spawn(context.Background(), StartRequest{})
		var missing *controller.MissingFieldError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "alice", missing.User)
	})
}

func TestSpawnCreateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()
	s := spawnerFor(srv.URL, testOptions())

	_, err := s.Spawn(context.Background(), StartRequest{})
	var webErr *controller.WebError
	require.ErrorAs(t, err, &webErr)
	assert.Equal(t, http.StatusForbidden, webErr.Status)
	assert.Equal(t, "quota exceeded", webErr.Body)

	progress := collectProgress(context.Background(), s)
	require.Len(t, progress, 1)
	assert.True(t, strings.HasPrefix(progress[0].Message, "[error] Lab creation failed: status 403"))
}

func TestSpawnWithoutUserToken(t *testing.T) {
	fake := controllertest.New(userToken, adminToken)
	defer fake.Close()
	client := controller.NewClient(fake.BaseURL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: adminToken}))
	noToken := auth.NewUserTokenSource(func() (auth.State, error) { return auth.State{}, nil })
	s := New(client, User{Name: "alice", Token: noToken}, testOptions())

	_, err := s.Spawn(context.Background(), StartRequest{})
	var stateErr *auth.InvalidAuthStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Empty(t, fake.Requests("alice"))
}

func TestURL(t *testing.T) {
	_, s := newTestSpawner(t, testOptions())
	ctx := context.Background()

	assert.Empty(t, s.URL(ctx))

	url, err := s.Spawn(ctx, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, url, s.URL(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, url, s.URL(ctx), "falls back to the last known URL")
}

func TestOptionsForm(t *testing.T) {
	_, s := newTestSpawner(t, testOptions())
	form, err := s.OptionsForm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "<p>This is some lab form for alice</p>", form)
}

func TestOptionsNormalize(t *testing.T) {
	opts := Options{StartTimeout: time.Minute, EventTimeout: time.Hour}.normalize()
	assert.Equal(t, time.Minute, opts.EventTimeout)
	assert.Equal(t, 5*time.Minute, opts.StopTimeout)
	assert.Equal(t, sse.FramingJSON, opts.Codec.Name())
	assert.Equal(t, 90, opts.CompleteProgress)

	tests := []struct {
		in   int
		want int
	}{
		{in: 0, want: 90},
		{in: -5, want: 90},
		{in: 75, want: 75},
		{in: 100, want: 100},
		{in: 150, want: 100},
	}
	for _, tt := range tests {
		got := Options{CompleteProgress: tt.in}.normalize().CompleteProgress
		assert.Equal(t, tt.want, got, "CompleteProgress %d", tt.in)
	}
}

func TestSpawnZeroOptions(t *testing.T) {
	_, s := newTestSpawner(t, Options{})
	ctx := context.Background()

	_, err := s.Spawn(ctx, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, expectedSuccess, collectProgress(ctx, s))
}
