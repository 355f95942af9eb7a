package cluster

import (
	"os"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Places a service account CA certificate may be found, in order of
// preference.
var serviceAccountCAPaths = []string{
	"/var/run/secrets/kubernetes.io/serviceaccount/ca.crt",
}

// RESTConfig builds the client configuration for talking to the
// cluster. With neither kubeconfig nor master given, the in-cluster
// configuration is used.
func RESTConfig(kubeconfig, master string, logger log.Logger) (*rest.Config, error) {
	inCluster := kubeconfig == "" && master == ""
	var (
		cfg *rest.Config
		err error
	)
	if inCluster {
		cfg, err = rest.InClusterConfig()
		if err == rest.ErrNotInCluster {
			inCluster = false
			cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
				clientcmd.NewDefaultClientConfigLoadingRules(),
				&clientcmd.ConfigOverrides{},
			).ClientConfig()
		}
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags(master, kubeconfig)
	}
	if err != nil {
		return nil, errors.Wrap(err, "building kubernetes client config")
	}

	if inCluster {
		logger.Log("info", "using in-cluster kubernetes configuration", "host", cfg.Host)
		ensureCA(cfg, serviceAccountCAPaths, logger)
	} else {
		logger.Log("info", "using kubeconfig", "host", cfg.Host)
	}
	return cfg, nil
}

// ensureCA points cfg at a readable CA certificate if the one it
// names is missing.
func ensureCA(cfg *rest.Config, candidates []string, logger log.Logger) {
	if len(cfg.CAData) > 0 {
		return
	}
	if cfg.CAFile != "" && fileExists(cfg.CAFile) {
		return
	}
	for _, path := range candidates {
		if fileExists(path) {
			logger.Log("info", "using kubernetes CA certificate", "path", path)
			cfg.CAFile = path
			return
		}
	}
	if cfg.CAFile != "" {
		logger.Log("warning", "kubernetes CA certificate is not accessible; TLS verification may fail", "path", cfg.CAFile)
	} else {
		logger.Log("warning", "no kubernetes CA certificate found", "checked", len(candidates))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
