package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/whisper-darkly/tiktok-recorder/control"
	"github.com/whisper-darkly/tiktok-recorder/cookies"
	"github.com/whisper-darkly/tiktok-recorder/logger"
	"github.com/whisper-darkly/tiktok-recorder/metrics"
	"github.com/whisper-darkly/tiktok-recorder/recorder"
	"github.com/whisper-darkly/tiktok-recorder/roomcache"
	"github.com/whisper-darkly/tiktok-recorder/session"
	"github.com/whisper-darkly/tiktok-recorder/tiktok"
	"github.com/whisper-darkly/tiktok-recorder/units"
)

// Set via ldflags at build time: -ldflags "-X main.version=..."
var version = "dev"

// target bundles the per-user monitoring state.
type target struct {
	user    string
	tracker *session.Tracker
	recheck chan struct{}
}

func main() {
	// Optional .env next to the binary; real env always wins.
	_ = godotenv.Load()

	users := flag.StringSliceP("user", "u", nil, "Username(s) to record (repeat or comma-separate)")
	liveURL := flag.String("url", "", "Live URL (https://www.tiktok.com/@user/live)")
	roomID := flag.String("room-id", envOrDefault("TTREC_ROOM_ID", ""), "Explicit room id (skips resolution)")
	mode := flag.StringP("mode", "m", envOrDefault("TTREC_MODE", "single"), "Mode: single, watch, followers")
	interval := flag.StringP("interval", "i", "", "Offline recheck interval (default 00:05:00, e.g. 5m, 300)")
	duration := flag.String("duration", "", "Recording duration cap (0=until offline, e.g. 1h, 01:00:00)")
	outDir := flag.StringP("output", "o", envOrDefault("TTREC_OUTPUT", "videos"), "Output directory")
	outPattern := flag.String("out-pattern", envOrDefault("TTREC_OUT_PATTERN", ""), "Output file name template (Go text/template)")
	proxy := flag.String("proxy", envOrDefault("TTREC_PROXY", ""), "Proxy URL (http://host:port)")
	cookieArg := flag.StringP("cookies", "c", envOrDefault("TTREC_COOKIES", ""), "Cookie file (JSON name→value) or raw 'k=v; k2=v2' string")
	preferHLS := flag.Bool("hls", os.Getenv("TTREC_HLS") != "", "Prefer the segmented (HLS) transport")
	noConvert := flag.Bool("no-convert", os.Getenv("TTREC_NO_CONVERT") != "", "Skip the ffmpeg MP4 remux")
	upload := flag.StringP("upload", "e", envOrDefault("TTREC_UPLOAD", ""), "Command run on finished files ({} = path)")
	controlAddr := flag.String("control-addr", envOrDefault("TTREC_CONTROL_ADDR", ""), "Listen address for the status/metrics HTTP server (empty=disabled)")
	logLevel := flag.String("log-level", envOrDefault("TTREC_LOG_LEVEL", "info"), "Log level: debug, info, warn, error, fatal")
	outputFormat := flag.String("output-format", envOrDefault("TTREC_OUTPUT_FORMAT", "normal"), "Log format: normal, json")
	logFile := flag.String("log-file", envOrDefault("TTREC_LOG_FILE", ""), "Log file path (empty=stdout only)")
	forceRecheck := flag.Bool("force-recheck", false, "Signal the running session to recheck now, then exit")
	showStatus := flag.Bool("status", false, "Ask the running session to print its status, then exit")
	clearCache := flag.String("clear-cache", "", "Clear the cached room id for a user ('all'=everything), then exit")
	showVersion := flag.BoolP("version", "V", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tiktok-recorder %s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [user...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Record TikTok live streams. Exits with code 2 if offline.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nDurations: hh:mm:ss | 1h30m | plain minutes.\n")
		fmt.Fprintf(os.Stderr, "Exit codes: 0=ok  1=error  2=offline  3=blocked\n")
	}

	if len(os.Args) == 1 {
		flag.Usage()
		os.Exit(0)
	}

	flag.Parse()

	if *showVersion {
		fmt.Println("tiktok-recorder", version)
		os.Exit(0)
	}

	// Positional arguments are usernames.
	*users = append(*users, flag.Args()...)

	log := logger.New(logger.ParseLevel(*logLevel))
	log.SetFormat(logger.ParseFormat(*outputFormat))
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal("open log file: %v", err)
		}
		defer f.Close()
		log.SetFile(f)
	}

	cache := roomcache.New(roomcache.DefaultPath())

	if *clearCache != "" {
		user := *clearCache
		if strings.EqualFold(user, "all") {
			user = ""
		}
		if err := cache.Clear(user); err != nil {
			log.Fatal("clear cache: %v", err)
		}
		log.Info("room cache cleared")
		os.Exit(0)
	}

	sess := session.NewManager(log)
	if *forceRecheck || *showStatus {
		os.Exit(sendCommand(sess, log, *forceRecheck))
	}

	if env := envOrDefault("TTREC_USERS", ""); env != "" && len(*users) == 0 {
		*users = strings.Split(env, ",")
	}

	*mode = strings.ToLower(strings.TrimSpace(*mode))
	switch *mode {
	case "single", "watch", "followers":
	default:
		log.Fatal("unknown mode %q (want single, watch, followers)", *mode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn("received %v, shutting down...", sig)
		cancel()
	}()

	jar, err := loadCookies(*cookieArg)
	if err != nil {
		log.Fatal("cookies: %v", err)
	}

	client, err := tiktok.NewClient(tiktok.ClientConfig{
		Proxy: *proxy,
		Jar:   jar,
		Log:   log,
	})
	if err != nil {
		log.Fatal("%v", err)
	}
	if *proxy != "" {
		ip, err := client.Probe(ctx)
		if err != nil {
			log.Fatal("proxy check failed: %v", err)
		}
		log.Info("proxy ok, external ip %s", ip)
	}

	api := tiktok.New(tiktok.Config{
		Client: client,
		Cache:  cache,
		Log:    log,
	})

	exitCode := run(ctx, runConfig{
		api:      api,
		client:   client,
		log:      log,
		sess:     sess,
		jar:      jar,
		mode:     *mode,
		users:    normalizeUsers(*users),
		liveURL:  *liveURL,
		roomID:   *roomID,
		interval: durationVal(*interval, "TTREC_INTERVAL", 5*time.Minute, log),
		recorder: recorderDefaults{
			outDir:      *outDir,
			outPattern:  *outPattern,
			duration:    durationVal(*duration, "TTREC_DURATION", 0, log),
			preferHLS:   *preferHLS,
			skipConvert: *noConvert,
			uploadArgs:  tokenize(*upload),
		},
		controlAddr: *controlAddr,
	})
	os.Exit(exitCode)
}

// runConfig collects everything run needs after flag parsing.
type runConfig struct {
	api    *tiktok.API
	client *tiktok.Client
	log    *logger.Logger
	sess   *session.Manager
	jar    *cookies.Jar

	mode     string
	users    []string
	liveURL  string
	roomID   string
	interval time.Duration
	recorder recorderDefaults

	controlAddr string
}

type recorderDefaults struct {
	outDir      string
	outPattern  string
	duration    time.Duration
	preferHLS   bool
	skipConvert bool
	uploadArgs  []string
}

func run(ctx context.Context, cfg runConfig) int {
	log := cfg.log

	// Resolve the target username from a URL or an explicit room id.
	if cfg.liveURL != "" {
		user, err := cfg.api.UserFromLiveURL(ctx, cfg.liveURL)
		if err != nil {
			return exitFor(log, err)
		}
		cfg.users = append(cfg.users, strings.ToLower(user))
	}
	if cfg.roomID != "" && len(cfg.users) == 0 {
		user, err := cfg.api.UserFromRoomID(ctx, cfg.roomID)
		if err != nil {
			return exitFor(log, err)
		}
		cfg.users = append(cfg.users, strings.ToLower(user))
	}

	// Geo check: without an explicit room id a blacklisted region cannot
	// resolve anything.
	if blocked, err := cfg.api.IsCountryBlacklisted(ctx); err != nil {
		log.Warn("geo check failed: %v", err)
	} else if blocked && cfg.roomID == "" {
		log.Error("%v", tiktok.ErrGeoBlocked)
		return 3
	}

	if cfg.mode == "followers" {
		secUID, err := cfg.api.SecUID(ctx)
		if err != nil {
			return exitFor(log, err)
		}
		followers, err := cfg.api.Followers(ctx, secUID)
		if err != nil {
			return exitFor(log, err)
		}
		log.Info("monitoring %d followed accounts", len(followers))
		cfg.users = normalizeUsers(followers)
	}

	if len(cfg.users) == 0 {
		log.Fatal("no target: pass --user, --url or --room-id")
	}
	if cfg.mode == "single" && len(cfg.users) > 1 {
		log.Error("single mode records one target, got %d (use --mode watch for several)", len(cfg.users))
		return 1
	}

	targets := make([]*target, 0, len(cfg.users))
	for _, user := range cfg.users {
		targets = append(targets, &target{
			user:    user,
			tracker: session.NewTracker(user),
			recheck: make(chan struct{}, 1),
		})
	}

	met := metrics.New()

	if cfg.controlAddr != "" {
		srv := control.NewServer(log, met)
		for _, t := range targets {
			srv.Register(t.user, t.tracker)
		}
		srv.OnRecheck(func(user string) bool { return signalRecheck(targets, user) })
		if cfg.jar != nil {
			srv.OnSessionUpdate(cfg.jar.SetSession)
		}
		go func() {
			if err := srv.Serve(ctx, cfg.controlAddr); err != nil {
				log.Error("control server: %v", err)
			}
		}()
	}

	if existing, ok := cfg.sess.Existing(); ok {
		log.Warn("another session looks active (pid %d, @%s); state file will be overwritten", existing.PID, existing.User)
	}
	cfg.sess.Start(ctx, strings.Join(cfg.users, ","))
	defer cfg.sess.End()

	// Remote commands fan out to every target.
	masterRecheck := make(chan struct{}, 1)
	cfg.sess.Listen(ctx, masterRecheck, func() string {
		lines := make([]string, 0, len(targets))
		for _, t := range targets {
			lines = append(lines, t.tracker.Render())
		}
		return strings.Join(lines, "\n")
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-masterRecheck:
				signalRecheck(targets, "")
			}
		}
	}()

	newRecorder := func(t *target) *recorder.Recorder {
		return recorder.New(recorder.Config{
			API:         cfg.api,
			Client:      cfg.client,
			Log:         log,
			Tracker:     t.tracker,
			Metrics:     met,
			User:        t.user,
			OutDir:      cfg.recorder.outDir,
			OutPattern:  cfg.recorder.outPattern,
			Duration:    cfg.recorder.duration,
			PreferHLS:   cfg.recorder.preferHLS,
			SkipConvert: cfg.recorder.skipConvert,
			UploadArgs:  cfg.recorder.uploadArgs,
		})
	}

	if cfg.mode == "single" {
		t := targets[0]
		cfg.sess.SetState("recording")
		return recordOnce(ctx, cfg, t, newRecorder(t))
	}

	// watch / followers: one monitor goroutine per target.
	cfg.sess.SetState("monitoring")
	var wg sync.WaitGroup
	var mu sync.Mutex
	exit := 0

	for _, t := range targets {
		wg.Add(1)
		go func(t *target) {
			defer wg.Done()
			mon := recorder.NewMonitor(recorder.MonitorConfig{
				API:      cfg.api,
				Log:      log,
				Tracker:  t.tracker,
				Metrics:  met,
				Recorder: newRecorder(t),
				User:     t.user,
				Interval: cfg.interval,
				Recheck:  t.recheck,
			})
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("@%s: %v", t.user, err)
				mu.Lock()
				exit = 1
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return exit
}

// recordOnce implements single-shot mode: record if live, otherwise report
// offline via the exit code.
func recordOnce(ctx context.Context, cfg runConfig, t *target, rec *recorder.Recorder) int {
	log := cfg.log

	roomID := cfg.roomID
	if roomID == "" {
		var err error
		roomID, err = cfg.api.Resolve(ctx, t.user)
		if err != nil {
			return exitFor(log, err)
		}
		if roomID == "" {
			log.Warn("@%s is not currently live", t.user)
			return 2
		}
	}
	t.tracker.SetRoomID(roomID)

	alive, err := cfg.api.IsRoomAlive(ctx, roomID)
	if err != nil {
		return exitFor(log, err)
	}
	if !alive {
		log.Warn("@%s is not currently live", t.user)
		return 2
	}

	if err := rec.Record(ctx, roomID); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		return exitFor(log, err)
	}
	return 0
}

// exitFor logs err and maps it to the documented exit codes.
func exitFor(log *logger.Logger, err error) int {
	log.Error("%v", err)
	switch tiktok.Classify(err) {
	case tiktok.KindGeoBlocked, tiktok.KindRestricted:
		return 3
	default:
		return 1
	}
}

// sendCommand delivers a force-recheck or status command to the running
// session, if any.
func sendCommand(sess *session.Manager, log *logger.Logger, recheck bool) int {
	existing, ok := sess.Existing()
	if !ok {
		log.Error("no running session found")
		return 1
	}

	command := session.CommandStatus
	if recheck {
		command = session.CommandForceRecheck
	}
	if err := sess.SendCommand(command); err != nil {
		log.Error("%v", err)
		return 1
	}
	log.Info("sent %s to session %s (pid %d)", command, existing.ID, existing.PID)
	return 0
}

// signalRecheck pokes the named target (""=all). Non-blocking: a pending
// signal is enough.
func signalRecheck(targets []*target, user string) bool {
	found := false
	for _, t := range targets {
		if user != "" && !strings.EqualFold(t.user, user) {
			continue
		}
		found = true
		select {
		case t.recheck <- struct{}{}:
		default:
		}
	}
	return found || user == ""
}

// loadCookies builds a Jar from a file path or a raw header-style string.
func loadCookies(arg string) (*cookies.Jar, error) {
	if arg == "" {
		return cookies.Empty(), nil
	}
	if _, err := os.Stat(arg); err == nil {
		return cookies.Load(arg)
	}
	if strings.Contains(arg, "=") {
		return cookies.FromString(arg), nil
	}
	return nil, fmt.Errorf("cookie argument %q is neither a file nor a cookie string", arg)
}

// normalizeUsers lowercases, trims and dedupes the target list.
func normalizeUsers(users []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, u := range users {
		u = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(u), "@"))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// tokenize splits a command string into tokens, respecting single and
// double quotes.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range s {
		switch {
		case (r == '"' || r == '\'') && !inQuote:
			inQuote = true
			quoteChar = r
		case r == quoteChar && inQuote:
			inQuote = false
			quoteChar = 0
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// durationVal resolves a time.Duration from: CLI string (if non-empty) →
// ENV → default. Uses units.ParseDuration for flexible format support.
func durationVal(cliVal, envKey string, def time.Duration, log *logger.Logger) time.Duration {
	if cliVal != "" {
		d, err := units.ParseDuration(cliVal)
		if err != nil {
			log.Fatal("invalid duration for %s: %v", envKey, err)
		}
		return d
	}
	if v := os.Getenv(envKey); v != "" {
		d, err := units.ParseDuration(v)
		if err != nil {
			log.Fatal("invalid duration in %s: %v", envKey, err)
		}
		return d
	}
	return def
}
