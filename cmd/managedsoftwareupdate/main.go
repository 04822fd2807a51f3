// cmd/managedsoftwareupdate/main.go - the engine CLI: checks for updates,
// plans, and applies the plan.

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/macadmins/orchard/pkg/blocking"
	"github.com/macadmins/orchard/pkg/cache"
	"github.com/macadmins/orchard/pkg/catalog"
	"github.com/macadmins/orchard/pkg/facts"
	"github.com/macadmins/orchard/pkg/fetch"
	"github.com/macadmins/orchard/pkg/icons"
	"github.com/macadmins/orchard/pkg/installer"
	"github.com/macadmins/orchard/pkg/installstate"
	"github.com/macadmins/orchard/pkg/logging"
	"github.com/macadmins/orchard/pkg/manifest"
	"github.com/macadmins/orchard/pkg/planner"
	"github.com/macadmins/orchard/pkg/precache"
	"github.com/macadmins/orchard/pkg/prefs"
	"github.com/macadmins/orchard/pkg/report"
	"github.com/macadmins/orchard/pkg/resources"
	"github.com/macadmins/orchard/pkg/scripts"
	"github.com/macadmins/orchard/pkg/selfservice"
	"github.com/macadmins/orchard/pkg/stoprequest"
	"github.com/macadmins/orchard/pkg/ui"
	"github.com/macadmins/orchard/pkg/usage"
	"github.com/macadmins/orchard/pkg/version"
)

// Exit codes of the engine CLI.
const (
	exitOK                = 0
	exitUpdatesPlanned    = 1
	exitInstallDirFailure = 101
	exitRepoUnreachable   = 150
	exitBadParameters     = 200
	exitNeedsRoot         = 201
)

// bootstrapFlagFile triggers a full check-and-install at startup when
// present.
const bootstrapFlagFile = "/Users/Shared/.com.macadmins.orchard.checkandinstallatstartup"

func main() {
	os.Exit(run())
}

func run() int {
	auto := pflag.Bool("auto", false, "Check for and install updates unattended.")
	checkOnly := pflag.Bool("checkonly", false, "Check for updates, but don't install them.")
	installOnly := pflag.Bool("installonly", false, "Install pending updates without checking for new ones.")
	clientID := pflag.String("id", "", "Override the preference-supplied client identifier.")
	localManifest := pflag.String("manifest", "", "Use a local manifest file instead of the identity chain.")
	setBootstrap := pflag.Bool("set-bootstrap-mode", false, "Run a full check-and-install at next startup.")
	clearBootstrap := pflag.Bool("clear-bootstrap-mode", false, "Cancel a pending startup check-and-install.")
	versionFlag := pflag.BoolP("version", "V", false, "Print the version and exit.")
	var verbosity int
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (repeatable).")
	pflag.Parse()

	if *versionFlag {
		version.Print()
		return exitOK
	}
	if *checkOnly && *installOnly {
		fmt.Fprintln(os.Stderr, "--checkonly and --installonly are mutually exclusive")
		pflag.Usage()
		return exitBadParameters
	}
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "managedsoftwareupdate must be run as root")
		return exitNeedsRoot
	}

	if *setBootstrap {
		if err := os.WriteFile(bootstrapFlagFile, nil, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "could not set bootstrap mode: %v\n", err)
			return exitUpdatesPlanned
		}
		fmt.Println("Bootstrap mode set; a full run will happen at next startup.")
		return exitOK
	}
	if *clearBootstrap {
		if err := os.Remove(bootstrapFlagFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "could not clear bootstrap mode: %v\n", err)
			return exitUpdatesPlanned
		}
		fmt.Println("Bootstrap mode cleared.")
		return exitOK
	}

	store, err := prefs.Open(prefs.DefaultLayerPaths())
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not read preferences: %v\n", err)
		return exitUpdatesPlanned
	}

	dir := store.GetString(prefs.ManagedInstallDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "could not create %s: %v\n", dir, err)
		return exitInstallDirFailure
	}

	level := store.GetInt(prefs.LoggingLevel)
	if verbosity > level {
		level = verbosity
	}
	if err := logging.Init(logging.Options{
		Dir:     filepath.Join(dir, "Logs"),
		Level:   level,
		Console: verbosity > 0,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logging: %v\n", err)
		return exitUpdatesPlanned
	}
	defer logging.Close()

	runType := "manual"
	switch {
	case bootstrapPending():
		runType = "auto"
		*auto = true
		*checkOnly = false
		*installOnly = false
	case *auto:
		runType = "auto"
	case *checkOnly:
		runType = "checkonly"
	case *installOnly:
		runType = "installonly"
	}
	logging.Info("Starting managed software run", "run_type", runType, "version", version.Version())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logging.Warn("Signal received, stopping at next boundary", "signal", sig.String())
		stoprequest.Raise()
		cancel()
	}()
	stoprequest.Clear()
	defer stoprequest.Clear()

	notifier := ui.Connect("")
	defer notifier.Close()

	report.ArchivePrevious(dir)
	rep := report.New(runType)

	// a failing preflight aborts the run entirely
	preflight := store.GetString(prefs.PreflightScript)
	if preflight == "" {
		preflight = filepath.Join(dir, "preflight")
	}
	if err := scripts.RunHook(ctx, preflight, runType); err != nil {
		logging.Error("Preflight failed; aborting run", "error", err)
		rep.Error("Preflight failed: %v", err)
		rep.Save(dir)
		return exitUpdatesPlanned
	}

	code := exitOK
	var plan *planner.InstallInfo
	if !*installOnly {
		code, plan = check(ctx, store, dir, *clientID, *localManifest, rep, notifier)
		if code == exitRepoUnreachable {
			rep.Save(dir)
			return code
		}
	} else {
		loaded, err := planner.LoadInstallInfo(dir)
		if err != nil {
			logging.Info("No pending updates to install")
			rep.Save(dir)
			return exitOK
		}
		plan = loaded
		if plan.HasWork() {
			code = exitUpdatesPlanned
		}
	}

	if !*checkOnly && plan != nil && plan.HasWork() {
		if *auto && store.GetBool(prefs.SuppressAutoInstall) {
			logging.Info("Automatic installs suppressed by preference")
		} else {
			apply(ctx, store, dir, *auto, runType, rep, notifier)
		}
	}

	rep.Save(dir)

	postflight := store.GetString(prefs.PostflightScript)
	if postflight == "" {
		postflight = filepath.Join(dir, "postflight")
	}
	if err := scripts.RunHook(ctx, postflight, runType); err != nil {
		logging.Warn("Postflight failed", "error", err)
	}

	if runType == "auto" {
		clearBootstrapFlag()
	}
	logging.Info("Run finished", "exit_code", code)
	return code
}

// check plans the run: fetch manifests and catalogs, resolve, download, and
// persist InstallInfo.
func check(ctx context.Context, store *prefs.Store, dir, clientID, localManifest string, rep *report.Report, notifier ui.Notifier) (int, *planner.InstallInfo) {
	fetcher, err := fetch.New(fetchConfig(store))
	if err != nil {
		logging.Error("Could not build fetcher", "error", err)
		return exitRepoUnreachable, nil
	}

	f := facts.Gather(ctx)
	facts.RunConditionScripts(ctx, filepath.Join(dir, "conditions"), dir, f)
	rep.SetMachineInfo(f)

	if clientID == "" {
		clientID = store.GetString(prefs.ClientIdentifier)
	}
	hostname, _ := f["hostname"].(string)
	serial, _ := f["serial_number"].(string)
	osVers, _ := f["os_vers"].(string)
	arch, _ := f["arch"].(string)
	x8664, _ := f["x86_64_capable"].(bool)

	scriptRunner := &scripts.Runner{}
	receipts, err := installstate.LoadSystemReceipts(ctx)
	if err != nil {
		logging.Warn("Could not read package receipts", "error", err)
		receipts = &installstate.SystemReceipts{}
	}
	oracle := installstate.New(osVers, receipts, installstate.SystemProfiles{}, scriptRunner)

	artifactCache := cache.New(filepath.Join(dir, "Cache"))
	evictable := map[string]bool{}
	if prior, err := planner.LoadInstallInfo(dir); err == nil {
		for _, opt := range prior.PrecacheItems() {
			evictable[filepath.Base(opt.InstallerLocation)] = true
		}
	}

	var ledger *usage.Ledger
	if l, err := usage.Open(filepath.Join(dir, usage.DatabaseName)); err == nil {
		ledger = l
		defer ledger.Close()
	} else {
		logging.Warn("Usage ledger unavailable", "error", err)
	}

	selfServe := selfservice.NewManager(selfservice.DefaultOriginPath, filepath.Join(dir, "manifests"))
	manifests := manifest.NewStore(fetcher, store.RepoURL("manifests"), filepath.Join(dir, "manifests"))

	dl := &planner.ArtifactDownloader{
		Fetcher:   fetcher,
		Cache:     artifactCache,
		BaseURL:   store.RepoURL("pkgs"),
		Evictable: evictable,
	}

	p := &planner.Planner{
		Manifests: manifests,
		Catalogs: &planner.RepoCatalogs{
			Fetcher: fetcher,
			BaseURL: store.RepoURL("catalogs"),
			Dir:     filepath.Join(dir, "catalogs"),
			Req: catalog.Requirements{
				EngineVersion: version.Version(),
				OSVersion:     osVers,
				Arch:          arch,
				X8664Capable:  x8664,
			},
		},
		Oracle:   oracle,
		Download: dl,
		Config: planner.Config{
			ClientIdentifier:                        clientID,
			LocalOnlyManifest:                       store.GetString(prefs.LocalOnlyManifest),
			ShowOptionalInstallsForHigherOSVersions: store.GetBool(prefs.ShowOptionalInstallsForHigherOSVersions),
			Hostname:                                hostname,
			ShortHostname:                           shortName(hostname),
			SerialNumber:                            serial,
		},
		Facts:         f,
		InstalledPkgs: receipts.Map(),
		SelfServe:     selfServe,
		Ledger:        ledger,
		Report:        rep,
		Notifier:      notifier,
		IsAppRunning:  blocking.IsAppRunning,
		SpaceCheck:    dl.CanFit,
	}
	if licenseURL := store.GetString(prefs.LicenseInfoURL); licenseURL != "" {
		checker := &planner.SeatChecker{Fetcher: fetcher, URL: licenseURL}
		p.SeatsAvailable = checker.SeatsAvailable
	}

	code, info, err := p.Plan(ctx, localManifest)
	if err != nil {
		logging.Error("Planning failed", "error", err)
		rep.Error("Planning failed: %v", err)
		return exitRepoUnreachable, nil
	}

	syncIcons(ctx, fetcher, store, dir, info)
	resources.Sync(ctx, fetcher, store.RepoURL("client_resources"), dir, clientID)

	changed, err := planner.SaveInstallInfo(dir, info)
	if err != nil {
		logging.Error("Could not write plan", "error", err)
	} else {
		logging.Info("Plan written", "changed", changed,
			"installs", len(info.ManagedInstalls), "removals", len(info.Removals))
	}

	artifactCache.Clean(info.ReferencedCacheNames())
	manifests.CleanUnused()

	startPrecacheAgent(dir)

	if code == planner.ExitManifestMissing {
		return exitRepoUnreachable, nil
	}
	if code == planner.ExitUpdatesPlanned {
		return exitUpdatesPlanned, info
	}
	return exitOK, info
}

// apply runs the executor over the persisted plan.
func apply(ctx context.Context, store *prefs.Store, dir string, onlyUnattended bool, runType string, rep *report.Report, notifier ui.Notifier) {
	tools := &installer.SystemTools{Notifier: notifier}
	ex := &installer.Executor{
		ManagedInstallDir:  dir,
		Cache:              cache.New(filepath.Join(dir, "Cache")),
		Packages:           tools,
		Mounter:            tools,
		OSInstall:          tools,
		Profiles:           installer.ProfileTool{},
		Receipts:           tools,
		Adobe:              installer.AdobeTool{},
		Scripts:            &scripts.Runner{},
		Console:            tools,
		Power:              tools,
		SelfServe:          selfservice.NewManager(selfservice.DefaultOriginPath, filepath.Join(dir, "manifests")),
		Report:             rep,
		Notifier:           notifier,
		SuppressStopButton: store.GetBool(prefs.SuppressStopButtonOnInstall),
	}

	post, err := ex.Run(ctx, onlyUnattended)
	if err != nil {
		logging.Error("Executor failed", "error", err)
		rep.Error("Executor failed: %v", err)
		return
	}
	handlePostAction(post, runType, tools.ConsoleUser())
}

// handlePostAction performs the run's aggregate follow-up. Restarts happen
// only in unattended runs with nobody at the console; otherwise the action
// is logged for the UI layer to surface.
func handlePostAction(post installer.PostAction, runType, consoleUser string) {
	if post == installer.PostActionNone {
		return
	}
	logging.Info("Post-install action required", "action", post.String())
	if post != installer.PostActionRestart && post != installer.PostActionShutdown {
		return
	}
	if runType != "auto" || consoleUser != "" {
		logging.Info("Deferring to logged-in user", "action", post.String())
		return
	}
	arg := "-r"
	if post == installer.PostActionShutdown {
		arg = "-h"
	}
	logging.Info("No console user; performing action now", "action", post.String())
	if err := runShutdown(arg); err != nil {
		logging.Error("Could not run shutdown", "error", err)
	}
}

func syncIcons(ctx context.Context, fetcher *fetch.Fetcher, store *prefs.Store, dir string, info *planner.InstallInfo) {
	syncer := icons.NewSyncer(fetcher, store.RepoURL("icons"), filepath.Join(dir, "icons"))
	syncer.LoadHashes(ctx)

	var items []*catalog.PkgInfo
	for i := range info.OptionalInstalls {
		opt := &info.OptionalInstalls[i]
		items = append(items, &catalog.PkgInfo{Name: opt.Name, IconName: opt.IconName})
	}
	for i := range info.ManagedInstalls {
		it := &info.ManagedInstalls[i]
		items = append(items, &catalog.PkgInfo{Name: it.Name})
	}
	syncer.Sync(ctx, items)
}

// startPrecacheAgent spawns the detached precache worker when the plan has
// precacheable items. The agent binary ships next to this one.
func startPrecacheAgent(dir string) {
	if !precache.HasWork(dir) {
		return
	}
	exe, err := os.Executable()
	if err != nil {
		return
	}
	agent := filepath.Join(filepath.Dir(exe), "precacheagent")
	if _, err := os.Stat(agent); err != nil {
		logging.Debug("Precache agent binary not present", "path", agent)
		return
	}
	if err := precache.Launch(agent); err != nil {
		logging.Warn("Could not launch precache agent", "error", err)
	}
}

func fetchConfig(store *prefs.Store) fetch.Config {
	return fetch.Config{
		RepoHost:          hostOf(store.GetString(prefs.SoftwareRepoURL)),
		FollowRedirects:   store.GetString(prefs.FollowHTTPRedirects),
		VerificationMode:  store.GetString(prefs.PackageVerificationMode),
		AdditionalHeaders: store.GetStringMap(prefs.AdditionalHTTPHeaders),
		ClientCertPath:    clientCertPath(store),
		ClientKeyPath:     store.GetString(prefs.ClientKeyPath),
		CACertPath:        store.GetString(prefs.SoftwareRepoCACertificate),
		InactivityTimeout: 60 * time.Second,
	}
}

func clientCertPath(store *prefs.Store) string {
	if !store.GetBool(prefs.UseClientCertificate) {
		return ""
	}
	return store.GetString(prefs.ClientCertificatePath)
}

func bootstrapPending() bool {
	_, err := os.Stat(bootstrapFlagFile)
	return err == nil
}

func clearBootstrapFlag() {
	if err := os.Remove(bootstrapFlagFile); err == nil {
		logging.Info("Cleared bootstrap flag after successful run")
	}
}

func shortName(hostname string) string {
	name, _, _ := strings.Cut(hostname, ".")
	return name
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

func runShutdown(arg string) error {
	return exec.Command("/sbin/shutdown", arg, "now").Run()
}
