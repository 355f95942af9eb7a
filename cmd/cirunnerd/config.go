package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fluxcd/cirunner/pkg/config"
)

const configFileFlag = "config-file"

// defineConfigFlags defines the flags that can also be set in a
// config file or the environment. Each is bound to the field of
// config.Config with the same mapstructure name, and if env is
// given, to that environment variable.
func defineConfigFlags(fs *pflag.FlagSet, v *viper.Viper, bail func(error)) {

	bind := func(fieldName, flagName, env string) error {
		configStruct := reflect.TypeOf(config.Config{})
		field, ok := configStruct.FieldByName(fieldName)
		if !ok {
			return fmt.Errorf("attempt to bind a flag to a field not present in config.Config, %q", fieldName)
		}
		// this parallels the logic in
		// github.com/mitchellh/mapstructure, except that we want to
		// bail if a field is mentioned that is marked ignore, like
		// this: `mapstructure:"-"`
		mappedName := field.Name
		mapstructureTagParts := strings.Split(field.Tag.Get("mapstructure"), ",")
		if namePart := mapstructureTagParts[0]; namePart != "" {
			if namePart == "-" {
				return fmt.Errorf(`attempt to bind a flag to a config field tagged as ignored, %q`, field.Name)
			}
			mappedName = namePart
		}
		if err := v.BindPFlag(mappedName, fs.Lookup(flagName)); err != nil {
			return err
		}
		if env != "" {
			return v.BindEnv(mappedName, env)
		}
		return nil
	}

	bindOrBail := func(fieldName, flagName, env string) {
		if err := bind(fieldName, flagName, env); err != nil {
			bail(err)
		}
	}

	defineString := func(fieldName, flagName, env, def, desc string) {
		fs.String(flagName, def, desc)
		bindOrBail(fieldName, flagName, env)
	}

	defineStringP := func(fieldName, flagName, short, env, def, desc string) {
		fs.StringP(flagName, short, def, desc)
		bindOrBail(fieldName, flagName, env)
	}

	defineBool := func(fieldName, flagName, env string, def bool, desc string) {
		fs.Bool(flagName, def, desc)
		bindOrBail(fieldName, flagName, env)
	}

	defineDuration := func(fieldName, flagName, env string, def time.Duration, desc string) {
		fs.Duration(flagName, def, desc)
		bindOrBail(fieldName, flagName, env)
	}

	defineInt := func(fieldName, flagName, env string, def int, desc string) {
		fs.Int(flagName, def, desc)
		bindOrBail(fieldName, flagName, env)
	}

	defineFloat64 := func(fieldName, flagName, env string, def float64, desc string) {
		fs.Float64(flagName, def, desc)
		bindOrBail(fieldName, flagName, env)
	}

	defineString("LogFormat", "log-format", "LOG_FORMAT", "fmt", "change the log format (one of {fmt,json})")
	defineStringP("Listen", "listen", "l", "LISTEN", ":3030", "listen address where /metrics and the status API will be served")

	// what to watch, build and deploy
	defineString("Repo", "repo", "REPO", "", "GitHub repository to watch, as owner/name or a URL; required")
	defineString("Branch", "branch", "BRANCH", "main", "branch to build and deploy")
	defineString("Image", "image", "IMAGE", "", "image repository to push builds to, e.g., registry.example.com/team/app; required")
	defineString("ChartPath", "chart-path", "CHART_PATH", "", "path of the Helm chart within the repository; required")
	defineString("Release", "release", "RELEASE", "", "name of the Helm release to upgrade; required")
	defineString("BuildNamespace", "build-namespace", "CICD_NS", "cicd", "namespace in which build jobs are run")
	defineString("DeployNamespace", "deploy-namespace", "DEPLOY_NS", "default", "namespace to deploy the release to")

	defineString("Interval", "interval", "INTERVAL", "300", fmt.Sprintf("how often to poll for new commits, in seconds or as a duration; at least %s", config.MinPollInterval))
	defineInt("MaxRetries", "max-retries", "MAX_RETRIES", 3, "how many times to try building and deploying a commit before waiting for the next poll")

	defineString("GitToken", "git-token", "GIT_TOKEN", "", "token for the GitHub API, and for fetching private repositories")
	defineString("RegistrySecret", "registry-secret", "REGISTRY_SECRET", "", "secret of type kubernetes.io/dockerconfigjson with credentials for pushing images")

	// state
	defineString("StatePath", "state-path", "STATE_PATH", "/data/runner-state.json", fmt.Sprintf("file recording the last deployed commit (for --state-mode=%s)", config.StateModeFile))
	defineString("StateMode", "state-mode", "STATE_MODE", config.StateModeFile, fmt.Sprintf("where to record the last deployed commit (one of {%s})", strings.Join([]string{config.StateModeFile, config.StateModeSecret}, ",")))
	defineString("StateSecret", "state-secret", "STATE_SECRET", "cirunner-state", fmt.Sprintf("secret in the build namespace recording the last deployed commit (for --state-mode=%s)", config.StateModeSecret))

	// TLS for GitHub and archive downloads
	defineBool("VerifyTLS", "verify-tls", "VERIFY_SSL", true, "verify TLS certificates of GitHub and archive downloads")
	defineString("CABundle", "ca-bundle", "CA_BUNDLE_PATH", "", "PEM file of extra CA certificates to trust for GitHub and archive downloads")

	// builds
	defineDuration("JobTimeout", "job-timeout", "JOB_TIMEOUT", 30*time.Minute, "how long to wait for a build job to finish")
	defineDuration("JobPollInterval", "job-poll-interval", "JOB_POLL_INTERVAL", 10*time.Second, "how often to check on a running build job")
	defineString("KanikoImage", "kaniko-image", "KANIKO_IMAGE", config.DefaultKanikoImage, "image used to run builds")
	defineString("ServiceAccount", "service-account", "SERVICE_ACCOUNT", "deployer", "service account that build jobs run as")
	defineString("Dockerfile", "dockerfile", "DOCKERFILE", "Dockerfile", "path of the Dockerfile within the repository")

	// deploys
	defineString("HelmBinary", "helm-binary", "HELM_BIN", "helm", "helm executable")
	defineDuration("HelmTimeout", "helm-timeout", "HELM_TIMEOUT", 5*time.Minute, "how long helm may take over an upgrade")

	// GitHub
	defineString("GitHubAPIURL", "github-api-url", "GITHUB_API_URL", config.DefaultGitHubAPIURL, "base URL of the GitHub API")
	defineString("GitHubURL", "github-url", "GITHUB_URL", config.DefaultGitHubURL, "base URL archives are downloaded from")
	defineFloat64("GitHubRPS", "github-rps", "", 1, "maximum GitHub API requests per second")
	defineInt("GitHubBurst", "github-burst", "", 5, "maximum burst of GitHub API requests")

	// Kubernetes
	defineString("Kubeconfig", "kubeconfig", "", "", "path to a kubeconfig; required if out-of-cluster")
	defineString("Master", "master", "", "", "address of the Kubernetes API server; overrides any value in kubeconfig")
}

// loadConfig parses args and gathers the configuration. A flag given
// on the command line beats the environment, which beats the config
// file, which beats the flag's default.
func loadConfig(fs *pflag.FlagSet, v *viper.Viper, args []string) (config.Config, error) {
	var cfg config.Config
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if f := fs.Lookup(configFileFlag); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		v.SetConfigType(config.ConfigType)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file: %s", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding configuration: %s", err)
	}
	return cfg, nil
}
