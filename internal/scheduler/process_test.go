package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/renderfetch/internal/render"
)

const helperEnv = "RENDERFETCH_SCHEDULER_HELPER"

// helperMain is the child side when the test binary re-executes itself. It
// leaves a profile directory under the task root so the parent's cleanup can
// be observed, and misbehaves on request.
func helperMain() int {
	build := func(task Task) (Fetcher, error) {
		if _, err := os.MkdirTemp(task.ProfileRoot, "profile-*"); err != nil {
			return nil, err
		}
		switch {
		case strings.Contains(task.URL, "crash"):
			os.Exit(3)
		case strings.Contains(task.URL, "broken"):
			return nil, errors.New("no browser available")
		}
		return helperFetcher{}, nil
	}
	if err := ServeTask(context.Background(), os.Stdin, os.Stdout, build); err != nil {
		return 1
	}
	return 0
}

type helperFetcher struct{}

func (helperFetcher) Fetch(_ context.Context, req render.Request, profile render.Profile) render.Result {
	if strings.Contains(req.URL, "slow") {
		time.Sleep(time.Minute)
	}
	res := render.Succeeded(req.Index, req.URL, render.Capture{HTML: strings.Repeat("z", 150), StatusCode: 200})
	res.Strategy = profile.Strategies()[0].String()
	res.Error = profile.Timeout.String()
	return res
}

func helperRunner() *ExecRunner {
	return &ExecRunner{
		Path:      os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       append(os.Environ(), helperEnv+"=1"),
		WaitDelay: time.Second,
	}
}

func TestProcessIsolated_RunsEachURLInAChild(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	urls := []string{"https://a.example", "https://crash.example", "https://broken.example", "https://b.example"}
	observer := &recordingObserver{}
	pool := NewProcessIsolated(helperRunner(), Options{
		Profile:  render.Profile{MaxConcurrency: 2, Timeout: 9 * time.Second, Mobile: true, HeadlessPreferred: true},
		Observer: observer,
	}, []byte(`{"engine":"fake"}`), root)

	results := pool.Run(context.Background(), urls)

	require.Empty(t, cmp.Diff(urls, resultURLs(results)))
	require.True(t, results[0].Success)
	require.Equal(t, 150, results[0].ContentLength)
	require.Equal(t, "headless-mobile", results[0].Strategy)
	require.Equal(t, "9s", results[0].Error, "profile timeout reaches the child")

	require.False(t, results[1].Success)
	require.Contains(t, results[1].Error, string(render.KindHandleLost))
	require.Contains(t, results[1].Error, "exit status 3")

	require.False(t, results[2].Success)
	require.Contains(t, results[2].Error, "no browser available")

	require.True(t, results[3].Success)

	_, finished := observer.counts()
	require.Equal(t, len(urls), finished)
	requireNoProfiles(t, root)
}

func TestProcessIsolated_TaskTimeoutKillsChild(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	pool := NewProcessIsolated(helperRunner(), Options{TaskTimeout: 300 * time.Millisecond}, nil, root)

	start := time.Now()
	results := pool.Run(context.Background(), []string{"https://slow.example"})

	require.Less(t, time.Since(start), 10*time.Second)
	require.False(t, results[0].Success)
	require.Contains(t, results[0].Error, "deadline exceeded")
	requireNoProfiles(t, root)
}

func TestServeTask(t *testing.T) {
	t.Parallel()

	task := Task{Index: 7, URL: "https://a.example", Profile: render.Profile{HeadlessPreferred: false}}
	payload, err := jsoniter.Marshal(task)
	require.NoError(t, err)

	var got Task
	var out bytes.Buffer
	err = ServeTask(context.Background(), bytes.NewReader(payload), &out, func(tk Task) (Fetcher, error) {
		got = tk
		return helperFetcher{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, got.Index)

	var decoded TaskOutput
	require.NoError(t, jsoniter.Unmarshal(out.Bytes(), &decoded))
	require.True(t, decoded.Result.Success)
	require.Equal(t, "headful-desktop", decoded.Result.Strategy)
	require.Equal(t, DefaultTimeout.String(), decoded.Result.Error)
}

func TestServeTask_RejectsGarbage(t *testing.T) {
	t.Parallel()

	err := ServeTask(context.Background(), strings.NewReader("not json"), &bytes.Buffer{},
		func(Task) (Fetcher, error) { return helperFetcher{}, nil })
	require.ErrorContains(t, err, "decode task")
}
