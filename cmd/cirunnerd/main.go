package main

import (
	"context"
	goflag "flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/twpayne/go-vfs"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/fluxcd/cirunner/pkg/archive"
	"github.com/fluxcd/cirunner/pkg/build"
	"github.com/fluxcd/cirunner/pkg/cluster"
	"github.com/fluxcd/cirunner/pkg/config"
	transport "github.com/fluxcd/cirunner/pkg/http"
	"github.com/fluxcd/cirunner/pkg/release"
	"github.com/fluxcd/cirunner/pkg/runner"
	"github.com/fluxcd/cirunner/pkg/source"
	"github.com/fluxcd/cirunner/pkg/state"
)

var version = "unversioned"

const shutdownTimeout = 10 * time.Second

func main() {
	fs := pflag.NewFlagSet("default", pflag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "DESCRIPTION\n")
		fmt.Fprintf(os.Stderr, "  cirunnerd builds each new commit on a branch with kaniko, and deploys it with Helm.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		fs.PrintDefaults()
	}
	v := viper.New()
	defineConfigFlags(fs, v, func(err error) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	})
	fs.String(configFileFlag, "", "path to a YAML file of settings, keyed by the names in config.Config")
	versionFlag := fs.Bool("version", false, "print version and exit")

	// Explicitly initialize klog to enable stderr logging, and merge
	// its flags with our own.
	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)

	cfg, err := loadConfig(fs, v, os.Args[1:])
	if *versionFlag {
		println(version)
		os.Exit(0)
	}

	// init go-kit log
	var logger log.Logger
	{
		switch cfg.LogFormat {
		case "json":
			logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
		default:
			logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		}
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = log.With(logger, "caller", log.DefaultCaller)
	}
	mainLogger := log.With(logger, "component", "cirunnerd")
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}

	settings, err := cfg.Settings()
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}
	mainLogger.Log("version", version, "repo", settings.Repo, "branch", settings.Branch, "image", settings.Image,
		"release", settings.Release, "interval", settings.PollInterval, "max-retries", settings.MaxRetries)

	restConfig, err := cluster.RESTConfig(cfg.Kubeconfig, cfg.Master, log.With(logger, "component", "cluster"))
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}
	kubeClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		mainLogger.Log("err", fmt.Sprintf("error building kubernetes clientset: %v", err))
		os.Exit(1)
	}

	var store state.Store
	{
		logger := log.With(logger, "component", "state")
		switch settings.StateMode {
		case config.StateModeSecret:
			store = state.NewSecretStore(kubeClient.CoreV1(), settings.BuildNamespace, settings.StateSecret, logger)
		default:
			store = state.NewFileStore(vfs.OSFS, settings.StatePath, logger)
		}
	}

	src, err := source.NewGitHub(settings.Repo, source.GitHubOptions{
		Token:  settings.GitToken,
		APIURL: settings.GitHubAPIURL,
		WebURL: settings.GitHubURL,
		TLS:    settings.TLS,
		RPS:    settings.GitHubRPS,
		Burst:  settings.GitHubBurst,
	}, log.With(logger, "component", "github"))
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}

	builder, err := build.NewKaniko(kubeClient.BatchV1(), build.KanikoOptions{
		Namespace:      settings.BuildNamespace,
		Repo:           settings.Repo,
		Image:          settings.Image,
		Branch:         settings.Branch,
		KanikoImage:    settings.KanikoImage,
		ServiceAccount: settings.ServiceAccount,
		Dockerfile:     settings.Dockerfile,
		GitToken:       settings.GitToken,
		RegistrySecret: settings.RegistrySecret,
	}, log.With(logger, "component", "build"))
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}

	fetcher, err := archive.NewGetter(archive.Options{
		TLS:   settings.TLS,
		Token: settings.GitToken,
	}, log.With(logger, "component", "archive"))
	if err != nil {
		mainLogger.Log("err", err)
		os.Exit(1)
	}

	helm := release.NewHelm(release.HelmOptions{
		Binary:  settings.HelmBinary,
		Timeout: settings.HelmTimeout,
	}, log.With(logger, "component", "helm"))

	r := runner.New(settings, runner.Deps{
		Source:     src,
		Builder:    builder,
		Fetcher:    fetcher,
		Releaser:   helm,
		Namespaces: cluster.NewNamespacer(kubeClient.CoreV1(), log.With(logger, "component", "cluster")),
		Store:      store,
	}, log.With(logger, "component", "runner"))

	// error channel
	errc := make(chan error)

	// shutdown triggers
	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	// wait for SIGTERM
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	shutdownWg.Add(1)
	go r.Loop(shutdown, shutdownWg)

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: transport.NewHandler(r, transport.NewAPIRouter()),
	}
	go func() {
		mainLogger.Log("addr", cfg.Listen)
		errc <- server.ListenAndServe()
	}()

	// wait until shutdown
	mainLogger.Log("exiting", <-errc)
	close(shutdown)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		mainLogger.Log("err", err)
	}
	shutdownWg.Wait()
}
