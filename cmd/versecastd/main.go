package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/versecast/internal/config"
	"github.com/astromechza/versecast/internal/obs"
	"github.com/astromechza/versecast/internal/record"
	"github.com/astromechza/versecast/internal/remote"
	"github.com/astromechza/versecast/internal/server"
	"github.com/astromechza/versecast/internal/source"
	"github.com/astromechza/versecast/internal/state"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "versecast.yaml", "path to the config file")
	addrVar := flag.String("addr", "", "override the listen address from the config")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadWithRetry(ctx, slog.Default(), *configVar)
	if err != nil {
		return err
	}
	if *addrVar != "" {
		cfg.Addr = *addrVar
	}

	sceneMap := make(map[string]state.MicState, len(cfg.SceneMap))
	for scene, intent := range cfg.SceneMap {
		sceneMap[scene] = state.MicState(intent)
	}
	store := state.NewStore(sceneMap, slog.Default())

	var cache *remote.Cache
	if cfg.CachePath != "" {
		slog.Info("opening concordance cache", "path", cfg.CachePath)
		if cache, err = remote.OpenCache(cfg.CachePath); err != nil {
			return err
		}
		defer cache.Close()
	}
	fetcher := remote.NewFetcher(cfg.RemoteURL, cache, slog.Default())
	watcher := source.NewWatcher(cfg.SourcePath, store, slog.Default())

	var controller *obs.Controller
	var sceneController server.SceneController
	if cfg.OBS.URL != "" {
		controller = obs.NewController(cfg.OBS.URL, cfg.OBS.Password, cfg.OBS.ReconnectDelay(), store, slog.Default())
		store.SetSceneChanger(controller)
		sceneController = controller
	}

	job := &refreshJob{watcher: watcher, fetcher: fetcher, store: store}
	srv := server.New(cfg.Token, store, sceneController, job, slog.Default())

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Path("/ws").HandlerFunc(srv.HandleWS)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			slog.Error("source watcher failed", "err", err)
		}
	}()

	if controller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			controller.Run(ctx)
		}()
	}

	// Seed the display before the first client connects.
	wg.Add(1)
	go func() {
		defer wg.Done()
		job.Refresh(ctx)
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()
	return nil
}

// refreshJob re-runs the source read and the remote fetch as one cycle and
// applies both results in a single state transition, so clients never see
// half a refresh.
type refreshJob struct {
	watcher *source.Watcher
	fetcher *remote.Fetcher
	store   *state.Store
}

func (j *refreshJob) Refresh(ctx context.Context) {
	rec, err := j.watcher.ReadNow(ctx)
	if err != nil {
		// The source stays whatever it was; the fetch half still runs.
		slog.Warn("refresh could not read source", "err", err)
		rec = currentRecord(j.store)
	}
	set := j.fetcher.Fetch(ctx)
	j.store.ApplyRefresh(rec, set)
}

func currentRecord(store *state.Store) *record.Record {
	st := store.Snapshot()
	return st.CurrentRecord
}
