/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	ctx "context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/Azure/acs-engine-autoscaler/armtemplate"
	"github.com/Azure/acs-engine-autoscaler/catalog"
	"github.com/Azure/acs-engine-autoscaler/cloudprovider/armscaler"
	"github.com/Azure/acs-engine-autoscaler/clusterview"
	"github.com/Azure/acs-engine-autoscaler/config"
	"github.com/Azure/acs-engine-autoscaler/core"
	"github.com/Azure/acs-engine-autoscaler/deployment"
	"github.com/Azure/acs-engine-autoscaler/metrics"
	"github.com/Azure/acs-engine-autoscaler/notify"
	"github.com/Azure/acs-engine-autoscaler/scaler"
)

var (
	resourceGroup          = pflag.String("resource-group", "", "Azure resource group the cluster's ARM deployment lives in.")
	deploymentName         = pflag.String("acs-deployment", "azuredeploy", "Name of the ARM deployment that provisioned the cluster.")
	subscriptionID         = pflag.String("subscription-id", "", "Azure subscription ID, falls back to AZURE_SUBSCRIPTION_ID.")
	servicePrincipal       = pflag.String("service-principal-app-id", "", "Service principal application ID, falls back to AZURE_SP_APP_ID.")
	servicePrincipalSecret = pflag.String("service-principal-secret", "", "Service principal secret, falls back to AZURE_SP_SECRET.")
	tenantID               = pflag.String("service-principal-tenant-id", "", "Service principal tenant ID, falls back to AZURE_SP_TENANT_ID.")

	clientPrivateKey = pflag.String("client-private-key", "", "Value to fill the clientPrivateKey secure-string ARM parameter with on every deployment.")
	caPrivateKey     = pflag.String("ca-private-key", "", "Reserved for forward compatibility with a rotated CA key; currently unused, a placeholder is always deployed.")

	kubeconfig = pflag.String("kubeconfig", "", "Path to a kubeconfig file; empty uses the in-cluster service account.")

	sleep            = pflag.Duration("sleep", 60*time.Second, "Delay between successful control loop ticks.")
	spareAgents      = pflag.Int("spare-agents", 1, "Per-pool floor of schedulable agents never drained by maintenance.")
	overProvision    = pflag.Int("over-provision", 0, "Extra nodes requested on top of the bin-packed target, per pool.")
	idleThreshold    = pflag.Duration("idle-threshold", 10*time.Minute, "Informational: how long a node may sit idle before an operator expects it scaled in.")
	instanceInitTime = pflag.Duration("instance-init-time", 5*time.Minute, "Informational: how long a freshly deployed instance takes to join the cluster.")

	capacityCatalog    = pflag.String("capacity-catalog", "/etc/acs-engine-autoscaler/capacity.json", "Path to the instance-type capacity catalog.")
	capacityCPUReserve = pflag.String("capacity-cpu-reserve", "0", "CPU quantity reserved for system daemons, subtracted from every catalog entry.")

	noScale       = pflag.Bool("no-scale", false, "Disable bin-packing and ARM deployment submission.")
	noMaintenance = pflag.Bool("no-maintenance", false, "Disable node cordon/drain/delete maintenance.")

	ignorePools = pflag.String("ignore-pools", "", "Comma-separated list of pool names never touched by bin-packing or maintenance.")

	slackHook     = pflag.String("slack-hook", "", "Slack incoming webhook URL for scale/drain notifications.")
	slackBotToken = pflag.String("slack-bot-token", "", "Slack bot token for scale/drain notifications; takes precedence over --slack-hook.")
	slackChannel  = pflag.String("slack-channel", "", "Slack channel to post to when --slack-bot-token is set.")

	dryRun  = pflag.Bool("dry-run", false, "Compute and log decisions without issuing any mutating Kubernetes or ARM call.")
	verbose = pflag.Int("verbose", 0, "klog verbosity level, 0..3.")
	debug   = pflag.Bool("debug", false, "Let a tick panic propagate instead of being recovered.")
	address = pflag.String("address", ":8085", "Address to expose Prometheus metrics on.")
)

func envOrFlag(flagValue, envVar string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envVar)
}

func buildOptions() (*config.AutoscalingOptions, error) {
	ignore := make(map[string]bool)
	for _, name := range strings.Split(*ignorePools, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			ignore[name] = true
		}
	}

	opts := &config.AutoscalingOptions{
		ResourceGroup:          *resourceGroup,
		DeploymentName:         *deploymentName,
		SubscriptionID:         envOrFlag(*subscriptionID, "AZURE_SUBSCRIPTION_ID"),
		ServicePrincipalAppID:  envOrFlag(*servicePrincipal, "AZURE_SP_APP_ID"),
		ServicePrincipalSecret: envOrFlag(*servicePrincipalSecret, "AZURE_SP_SECRET"),
		TenantID:               envOrFlag(*tenantID, "AZURE_SP_TENANT_ID"),
		ClientPrivateKey:       *clientPrivateKey,
		CAPrivateKey:           *caPrivateKey,
		Kubeconfig:             *kubeconfig,
		Sleep:                  *sleep,
		SpareAgents:            *spareAgents,
		OverProvision:          *overProvision,
		IdleThreshold:          *idleThreshold,
		InstanceInitTime:       *instanceInitTime,
		IgnorePools:            ignore,
		NoScale:                *noScale,
		NoMaintenance:          *noMaintenance,
		SlackHook:              *slackHook,
		SlackBotToken:          *slackBotToken,
		SlackChannel:           *slackChannel,
		DryRun:                 *dryRun,
		Debug:                  *debug,
		Verbosity:              *verbose,
	}

	if opts.ResourceGroup == "" {
		return nil, fmt.Errorf("--resource-group is required")
	}
	if opts.SubscriptionID == "" {
		return nil, fmt.Errorf("--subscription-id or AZURE_SUBSCRIPTION_ID is required")
	}
	if opts.ServicePrincipalAppID == "" || opts.ServicePrincipalSecret == "" || opts.TenantID == "" {
		return nil, fmt.Errorf("service principal app id, secret, and tenant id are required")
	}
	return opts, nil
}

func getKubeConfig(path string) *rest.Config {
	if path != "" {
		cfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			klog.Fatalf("building kubeconfig from %s: %v", path, err)
		}
		return cfg
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		klog.Fatalf("building in-cluster config: %v", err)
	}
	return cfg
}

func createKubeClient(cfg *rest.Config) kubernetes.Interface {
	return kubernetes.NewForConfigOrDie(cfg)
}

func buildNotifier(opts *config.AutoscalingOptions) notify.Notifier {
	switch {
	case opts.SlackBotToken != "":
		return notify.NewBotToken(opts.SlackBotToken, opts.SlackChannel)
	case opts.SlackHook != "":
		return notify.NewWebhook(opts.SlackHook)
	default:
		return notify.NewNoop()
	}
}

// buildControlLoop wires every component this autoscaler needs: the
// Kubernetes clientset, the ARM-backed CloudProvider, the capacity
// catalog, and the template this tick's deployments will be derived from.
func buildControlLoop(opts *config.AutoscalingOptions) (*core.ControlLoop, error) {
	kubeClient := createKubeClient(getKubeConfig(opts.Kubeconfig))
	cluster := clusterview.New(kubeClient)

	cred, err := azidentity.NewClientSecretCredential(opts.TenantID, opts.ServicePrincipalAppID, opts.ServicePrincipalSecret, nil)
	if err != nil {
		return nil, err
	}
	cloud, err := armscaler.New(opts.SubscriptionID, opts.ResourceGroup, cred, nil)
	if err != nil {
		return nil, err
	}

	cpuReserve, err := resource.ParseQuantity(*capacityCPUReserve)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(*capacityCatalog, cpuReserve)
	if err != nil {
		return nil, err
	}

	background := ctx.Background()
	template, err := cloud.DownloadTemplate(background, opts.DeploymentName)
	if err != nil {
		return nil, err
	}
	template, err = armtemplate.Normalize(template)
	if err != nil {
		return nil, err
	}
	parameters, err := cloud.DownloadParameters(background, opts.DeploymentName)
	if err != nil {
		return nil, err
	}
	parameters = armscaler.FillSecureParameters(parameters, armscaler.ServicePrincipal{
		ClientID:     opts.ServicePrincipalAppID,
		ClientSecret: opts.ServicePrincipalSecret,
	}, opts.ClientPrivateKey)

	engine := &scaler.EngineScaler{
		Scaler:        scaler.New(cat, opts.OverProvision, opts.SpareAgents, opts.IgnorePools),
		ResourceGroup: opts.ResourceGroup,
		ARMTemplate:   template,
		ARMParameters: parameters,
		Cloud:         cloud,
		Deployments:   deployment.New(),
		Notifier:      buildNotifier(opts),
		DryRun:        opts.DryRun,
	}

	return &core.ControlLoop{
		Cluster:       cluster,
		Engine:        engine,
		Catalog:       cat,
		Sleep:         opts.Sleep,
		NoScale:       opts.NoScale,
		NoMaintenance: opts.NoMaintenance,
		Debug:         opts.Debug,
	}, nil
}

func registerSignalHandlers(cancel ctx.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sigs
		klog.Infof("received signal %s, shutting down", sig)
		cancel()
	}()
}

// version is stamped at build time via -ldflags; "dev" otherwise.
var version = "dev"

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.Set("v", fmt.Sprintf("%d", *verbose))
	klog.Infof("acs-engine-autoscaler %s", version)

	opts, err := buildOptions()
	if err != nil {
		klog.Errorf("invalid configuration: %v", err)
		os.Exit(1)
	}

	metrics.RegisterAll()
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		klog.Fatalf("metrics server exited: %v", http.ListenAndServe(*address, nil))
	}()

	loop, err := buildControlLoop(opts)
	if err != nil {
		klog.Fatalf("failed to build control loop: %v", err)
	}

	runCtx, cancel := ctx.WithCancel(ctx.Background())
	registerSignalHandlers(cancel)

	loop.Run(runCtx)
	klog.Flush()
}
