// cmd/precacheagent/main.go - detached worker that downloads precacheable
// optional installs after a planning run.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/macadmins/orchard/pkg/cache"
	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/planner"
	"github.com/macadmins/orchard/pkg/precache"
	"github.com/macadmins/orchard/pkg/prefs"
)

func main() {
	os.Exit(run())
}

func run() int {
	store, err := prefs.Open(prefs.DefaultLayerPaths())
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read preferences: %v\n", err)
		return 1
	}
	dir := store.GetString(prefs.ManagedInstallDir)

	if err := logging.Init(logging.Options{
		Dir:   filepath.Join(dir, "Logs"),
		Level: store.GetInt(prefs.LoggingLevel),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logging: %v\n", err)
		return 1
	}
	defer logging.Close()

	if err := precache.WritePid(dir); err != nil {
		logging.Warn("Could not write pid file", "error", err)
	}
	defer precache.ClearPid(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logging.Info("Precache agent stopping on signal")
		cancel()
	}()

	fetcher, err := fetch.New(fetch.Config{
		FollowRedirects:   store.GetString(prefs.FollowHTTPRedirects),
		VerificationMode:  store.GetString(prefs.PackageVerificationMode),
		AdditionalHeaders: store.GetStringMap(prefs.AdditionalHTTPHeaders),
		InactivityTimeout: 60 * time.Second,
	})
	if err != nil {
		logging.Error("Could not build fetcher", "error", err)
		return 1
	}

	agent := &precache.Agent{
		Dir: dir,
		Download: &planner.ArtifactDownloader{
			Fetcher: fetcher,
			Cache:   cache.New(filepath.Join(dir, "Cache")),
			BaseURL: store.RepoURL("pkgs"),
		},
	}
	if err := agent.Run(ctx); err != nil {
		logging.Error("Precache run failed", "error", err)
		return 1
	}
	return 0
}
