package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/distoci/distoci/auth"
	"github.com/distoci/distoci/copier"
	"github.com/distoci/distoci/layout"
	"github.com/distoci/distoci/reference"
	"github.com/distoci/distoci/registry"
)

const usageDesc = `Utility for mirroring images between registries and OCI Image Layout directories`

var rootOpts struct {
	confFile  string
	verbosity string
	logopts   []string
}

var config *Config
var log *logrus.Logger
var sem *semaphore.Weighted

var rootCmd = &cobra.Command{
	Use:   "ocimirror <cmd>",
	Short: "Mirror images between registries and OCI Image Layout directories",
	Long:  usageDesc,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run the ocimirror server",
	Long:  `Sync steps according to the configuration, on their configured schedule.`,
	Args:  cobra.RangeArgs(0, 0),
	RunE:  runServer,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "processes each sync step once but skip actual copy",
	Long: `Processes each sync step in the configuration file in order.
Manifests are checked to see if a copy is needed, but only log, skip copying.
No jobs are run in parallel, and the command returns after any error or the
last sync step is finished.`,
	Args: cobra.RangeArgs(0, 0),
	RunE: runCheck,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "processes each sync step once, ignoring any schedule",
	Long: `Processes each sync step in the configuration file once, in parallel
up to the configured limit, and returns after any error or the last sync
step is finished.`,
	Args: cobra.RangeArgs(0, 0),
	RunE: runOnce,
}

func init() {
	log = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	rootCmd.PersistentFlags().StringVarP(&rootOpts.confFile, "config", "c", "", "Config file")
	rootCmd.PersistentFlags().StringVarP(&rootOpts.verbosity, "verbosity", "v", logrus.InfoLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringArrayVar(&rootOpts.logopts, "logopt", []string{}, "Log options")
	rootCmd.MarkPersistentFlagFilename("config")
	rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.PersistentPreRunE = rootPreRun
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(rootOpts.verbosity)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	for _, opt := range rootOpts.logopts {
		if opt == "json" {
			log.Formatter = new(logrus.JSONFormatter)
		}
	}
	if rootOpts.confFile == "-" {
		config, err = ConfigLoadReader(os.Stdin)
	} else {
		var r *os.File
		r, err = os.Open(rootOpts.confFile)
		if err != nil {
			return err
		}
		defer r.Close()
		config, err = ConfigLoadReader(r)
	}
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"parallel": config.Defaults.Parallel,
	}).Debug("Configuring parallel settings")
	sem = semaphore.NewWeighted(int64(config.Defaults.Parallel))
	return nil
}

// hostCreds resolves auth.Provider per registry host from the config
// file's creds list, falling back to the local docker config unless
// disabled.
func hostCreds() (auth.Provider, error) {
	chain := auth.Chain{}
	byHost := map[string]auth.Credential{}
	for _, c := range config.Creds {
		byHost[c.Registry] = auth.Credential{Kind: auth.UsernamePassword, Username: c.User, Password: c.Pass}
	}
	if len(byHost) > 0 {
		chain.Providers = append(chain.Providers, configCreds(byHost))
	}
	if !config.Defaults.SkipDockerConf {
		fs, err := auth.NewFileStore()
		if err != nil {
			return nil, err
		}
		chain.Providers = append(chain.Providers, fs)
	}
	return chain, nil
}

// configCreds implements auth.Provider from the explicit per-host
// credential map configured in the YAML file.
type configCreds map[string]auth.Credential

func (m configCreds) Credential(host string) (auth.Credential, error) {
	if c, ok := m[host]; ok {
		return c, nil
	}
	return auth.Credential{Kind: auth.Anonymous}, nil
}

func insecureFor(host string) bool {
	for _, c := range config.Creds {
		if c.Registry == host && c.Insecure {
			return true
		}
	}
	return false
}

func newRegistry(host string) (*registry.Registry, error) {
	provider, err := hostCreds()
	if err != nil {
		return nil, err
	}
	return registry.New(registry.Options{AuthProvider: provider, Insecure: insecureFor(host)}), nil
}

// runOnce processes every sync step once, in parallel up to the
// configured semaphore weight.
func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var mainErr error
	for _, s := range config.Sync {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			if err := s.process(ctx, "copy"); err != nil {
				mu.Lock()
				if mainErr == nil {
					mainErr = err
				}
				mu.Unlock()
			}
		}()
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Debug("Interrupt received, stopping")
		cancel()
	}()
	wg.Wait()
	return mainErr
}

// runServer stays running with cron-scheduled sync steps.
func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var mu sync.Mutex
	var mainErr error
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	for _, s := range config.Sync {
		s := s
		sched := s.Schedule
		if sched == "" && s.Interval != 0 {
			sched = "@every " + s.Interval.String()
		}
		if sched == "" {
			log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout}).Error("No schedule or interval found, ignoring")
			continue
		}
		log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout, "sched": sched}).Debug("Scheduled task")
		if _, err := c.AddFunc(sched, func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			wg.Add(1)
			defer wg.Done()
			if err := s.process(ctx, "copy"); err != nil {
				mu.Lock()
				if mainErr == nil {
					mainErr = err
				}
				mu.Unlock()
			}
		}); err != nil {
			return err
		}
	}
	c.Start()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Debug("Interrupt received, stopping")
	c.Stop()
	cancel()
	log.Debug("Waiting on running tasks")
	wg.Wait()
	return mainErr
}

// runCheck is a dry run: reports which steps need a copy without
// performing one, sequentially.
func runCheck(cmd *cobra.Command, args []string) error {
	var mainErr error
	ctx := context.Background()
	for _, s := range config.Sync {
		if err := s.process(ctx, "check"); err != nil && mainErr == nil {
			mainErr = err
		}
	}
	return mainErr
}

// process runs one sync step: HEAD-compare then copy only if the digests
// differ, in the direction s.Type names.
func (s ConfigSync) process(ctx context.Context, action string) error {
	ref, err := reference.Parse(s.Registry)
	if err != nil {
		log.WithFields(logrus.Fields{"registry": s.Registry, "error": err}).Error("Failed parsing registry reference")
		return err
	}
	lay, err := layout.Open(s.Layout)
	if err != nil {
		log.WithFields(logrus.Fields{"layout": s.Layout, "error": err}).Error("Failed opening layout")
		return err
	}
	reg, err := newRegistry(ref.Registry)
	if err != nil {
		return err
	}

	switch s.Type {
	case "pull":
		return s.processPull(ctx, reg, ref, lay, action)
	case "push":
		return s.processPush(ctx, lay, reg, ref, action)
	default:
		log.WithFields(logrus.Fields{"type": s.Type}).Error("Type not recognized, must be pull or push")
		return registry.ErrInvalidInput
	}
}

func (s ConfigSync) processPull(ctx context.Context, reg *registry.Registry, ref reference.Ref, lay *layout.Layout, action string) error {
	remoteDesc, err := reg.ManifestHead(ctx, ref)
	if err != nil {
		log.WithFields(logrus.Fields{"registry": s.Registry, "error": err}).Error("Failed to lookup source manifest")
		return err
	}
	if local, ok, _ := lay.Resolve(ref.Tag); ok && local.Digest == remoteDesc.Digest {
		log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout}).Debug("Image matches")
		return nil
	}
	log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout}).Info("Image sync needed")
	if action == "check" {
		return nil
	}
	if err := copier.Copy(ctx, reg, ref, lay); err != nil {
		log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout, "error": err}).Error("Failed to pull image")
		return err
	}
	return nil
}

func (s ConfigSync) processPush(ctx context.Context, lay *layout.Layout, reg *registry.Registry, ref reference.Ref, action string) error {
	localDesc, ok, err := lay.Resolve(ref.Tag)
	if err != nil {
		return err
	}
	if !ok {
		return registry.ErrMissingTag
	}
	if remote, err := reg.ManifestHead(ctx, ref); err == nil && remote.Digest == localDesc.Digest {
		log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout}).Debug("Image matches")
		return nil
	}
	log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout}).Info("Image sync needed")
	if action == "check" {
		return nil
	}
	if err := copier.Push(ctx, lay, ref.Tag, reg, ref); err != nil {
		log.WithFields(logrus.Fields{"registry": s.Registry, "layout": s.Layout, "error": err}).Error("Failed to push image")
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
