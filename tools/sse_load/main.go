// Command sse_load holds many /api/stream viewers open against a running
// server, each as its own user unless -user is given, and reports what the
// streams deliver per event type. A viewer whose stream is cut, for example
// after falling behind and being disconnected, reconnects with backoff and is
// counted as a reconnect. Tokens are signed with the secret from
// SAFESATS_JWT_SECRET.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/safesats/safesats/config"
	"github.com/safesats/safesats/internal"
	"github.com/safesats/safesats/internal/auth"
	"github.com/safesats/safesats/pkg/retrier"
)

// errStreamEnded the server closed a stream that had delivered its snapshot.
var errStreamEnded = errors.New("stream ended")

type options struct {
	url        string
	viewers    int
	duration   time.Duration
	rampUp     time.Duration
	sharedUser string
	reconnect  bool
}

// stats counters shared by all viewers.
type stats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	reconnects  atomic.Int64
	heartbeats  atomic.Int64

	mu     sync.Mutex
	events map[string]int64
}

func (s *stats) event(name string) {
	s.mu.Lock()
	s.events[name]++
	s.mu.Unlock()
}

func (s *stats) fields(elapsed time.Duration) []zap.Field {
	s.mu.Lock()
	names := make([]string, 0, len(s.events))
	var total int64
	for name, n := range s.events {
		names = append(names, name)
		total += n
	}
	sort.Strings(names)
	perEvent := make([]string, 0, len(names))
	for _, name := range names {
		perEvent = append(perEvent, fmt.Sprintf("%s=%d", name, s.events[name]))
	}
	s.mu.Unlock()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(total) / elapsed.Seconds()
	}
	return []zap.Field{
		zap.Int64("connected", s.connected.Load()),
		zap.Int64("connect_errs", s.connectErrs.Load()),
		zap.Int64("reconnects", s.reconnects.Load()),
		zap.Int64("heartbeats", s.heartbeats.Load()),
		zap.String("events", strings.Join(perEvent, " ")),
		zap.Float64("events_per_sec", rate),
		zap.Duration("elapsed", elapsed.Truncate(time.Second)),
	}
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "http://localhost:8080/api/stream", "stream endpoint URL")
	flag.IntVar(&opts.viewers, "conns", 1000, "number of concurrent viewers")
	flag.DurationVar(&opts.duration, "dur", time.Minute, "test duration (0 runs until interrupted)")
	flag.DurationVar(&opts.rampUp, "ramp", 0, "spread viewer starts across this window")
	flag.StringVar(&opts.sharedUser, "user", "", "attach every viewer to this user")
	flag.BoolVar(&opts.reconnect, "reconnect", true, "reconnect viewers whose stream was cut")
	flag.Parse()

	logger, err := internal.NewLogger("info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(opts, logger); err != nil {
		logger.Fatal("load run failed", zap.Error(err))
	}
}

func run(opts options, logger *zap.Logger) error {
	if opts.viewers <= 0 {
		return errors.Errorf("invalid conns: %d", opts.viewers)
	}
	issuer, err := auth.NewIssuer(os.Getenv(config.JWTSecretEnv), 24*time.Hour)
	if err != nil {
		return errors.Wrap(err, "token issuer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     opts.viewers + 100,
			MaxIdleConnsPerHost: opts.viewers + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	st := &stats{events: make(map[string]int64)}
	logger.Info("starting stream load",
		zap.String("url", opts.url),
		zap.Int("viewers", opts.viewers),
		zap.Duration("duration", opts.duration),
		zap.Duration("ramp", opts.rampUp))

	start := time.Now()
	go report(ctx, st, start, logger)

	var interval time.Duration
	if opts.rampUp > 0 {
		interval = opts.rampUp / time.Duration(opts.viewers)
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.viewers && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}

		userID := opts.sharedUser
		if userID == "" {
			userID = uuid.NewString()
		}
		token, err := issuer.Issue(userID)
		if err != nil {
			return errors.Wrap(err, "issue token")
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			view(ctx, client, opts, token, st)
		}()
	}

	wg.Wait()
	logger.Info("done", st.fields(time.Since(start))...)
	return nil
}

// view keeps one viewer attached until ctx is done.
func view(ctx context.Context, client *http.Client, opts options, token string, st *stats) {
	if !opts.reconnect {
		if err := stream(ctx, client, opts.url, token, st); err != nil && !errors.Is(err, errStreamEnded) {
			st.connectErrs.Add(1)
		}
		return
	}

	r := retrier.New(
		retrier.WithMaxRetries(retrier.Unlimited),
		retrier.WithInitialInterval(100*time.Millisecond),
		retrier.WithMaxInterval(5*time.Second),
		retrier.WithOnRetry(func(_ int, err error, _ time.Duration) {
			if errors.Is(err, errStreamEnded) {
				st.reconnects.Add(1)
			} else {
				st.connectErrs.Add(1)
			}
		}),
	)
	_ = r.Do(ctx, func(ctx context.Context) error {
		return stream(ctx, client, opts.url, token, st)
	})
}

// stream reads one SSE connection frame by frame until it ends.
func stream(ctx context.Context, client *http.Client, url, token string, st *stats) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	st.connected.Add(1)
	defer st.connected.Add(-1)

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" {
				st.event(event)
				event = ""
			}
		case strings.HasPrefix(line, ":"):
			st.heartbeats.Add(1)
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return errStreamEnded
}

func report(ctx context.Context, st *stats, start time.Time, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status", st.fields(time.Since(start))...)
		}
	}
}
