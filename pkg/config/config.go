package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultFile is the settings file read when --config is not given.
const DefaultFile = "eksboot.yaml"

// Config represents the parsed eksboot.yaml structure. Every field is
// optional; command-line flags override whatever the file sets.
type Config struct {
	Region            string `yaml:"region,omitempty"`
	Profile           string `yaml:"profile,omitempty"`
	KubernetesVersion string `yaml:"kubernetes_version,omitempty"`
	Kubeconfig        string `yaml:"kubeconfig,omitempty"`

	NodeGroup NodeGroup `yaml:"node_group,omitempty"`

	EnableLogging      bool  `yaml:"enable_logging,omitempty"`
	EnableLBController *bool `yaml:"enable_lb_controller,omitempty"`

	Timeouts      Timeouts      `yaml:"timeouts,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`
	ProbeAttempts uint          `yaml:"probe_attempts,omitempty"`

	Addons AddonVersions `yaml:"addons,omitempty"`

	Tags map[string]string `yaml:"tags,omitempty"`
}

// NodeGroup sizes the managed node group
type NodeGroup struct {
	InstanceType string `yaml:"instance_type,omitempty"`
	Count        int    `yaml:"count,omitempty"`
	MinNodes     int    `yaml:"min_nodes,omitempty"`
	MaxNodes     int    `yaml:"max_nodes,omitempty"`
}

// Timeouts bound the blocking phases of a run.
type Timeouts struct {
	// Run is the deadline for a whole orchestration run.
	Run   time.Duration `yaml:"run,omitempty"`
	Stack time.Duration `yaml:"stack,omitempty"`
	Addon time.Duration `yaml:"addon,omitempty"`
}

// AddonVersions pins add-on versions. Empty means latest.
type AddonVersions struct {
	StorageDriver          string `yaml:"storage_driver,omitempty"`
	LoadBalancerController string `yaml:"load_balancer_controller,omitempty"`
}

// Default returns the settings used when neither a file nor flags set them.
func Default() *Config {
	enabled := true
	return &Config{
		Region:            regionFromEnv(),
		KubernetesVersion: "1.33",
		NodeGroup: NodeGroup{
			InstanceType: "t3.small",
			Count:        3,
			MinNodes:     1,
			MaxNodes:     5,
		},
		EnableLBController: &enabled,
		Timeouts: Timeouts{
			Run:   60 * time.Minute,
			Stack: 40 * time.Minute,
			Addon: 10 * time.Minute,
		},
		PollInterval:  15 * time.Second,
		ProbeAttempts: 10,
		Addons: AddonVersions{
			LoadBalancerController: "1.13.0",
		},
	}
}

// LBControllerEnabled reports whether the load balancer controller should be
// installed. Unset means enabled.
func (c *Config) LBControllerEnabled() bool {
	return c.EnableLBController == nil || *c.EnableLBController
}

// Merge overlays the non-zero fields of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	setString(&c.Region, other.Region)
	setString(&c.Profile, other.Profile)
	setString(&c.KubernetesVersion, other.KubernetesVersion)
	setString(&c.Kubeconfig, other.Kubeconfig)

	setString(&c.NodeGroup.InstanceType, other.NodeGroup.InstanceType)
	setInt(&c.NodeGroup.Count, other.NodeGroup.Count)
	setInt(&c.NodeGroup.MinNodes, other.NodeGroup.MinNodes)
	setInt(&c.NodeGroup.MaxNodes, other.NodeGroup.MaxNodes)

	if other.EnableLogging {
		c.EnableLogging = true
	}
	if other.EnableLBController != nil {
		v := *other.EnableLBController
		c.EnableLBController = &v
	}

	setDuration(&c.Timeouts.Run, other.Timeouts.Run)
	setDuration(&c.Timeouts.Stack, other.Timeouts.Stack)
	setDuration(&c.Timeouts.Addon, other.Timeouts.Addon)
	setDuration(&c.PollInterval, other.PollInterval)
	if other.ProbeAttempts > 0 {
		c.ProbeAttempts = other.ProbeAttempts
	}

	setString(&c.Addons.StorageDriver, other.Addons.StorageDriver)
	setString(&c.Addons.LoadBalancerController, other.Addons.LoadBalancerController)

	if len(other.Tags) > 0 {
		if c.Tags == nil {
			c.Tags = make(map[string]string, len(other.Tags))
		}
		for k, v := range other.Tags {
			c.Tags[k] = v
		}
	}
}

// Validate checks the settings that every command depends on.
func (c *Config) Validate() error {
	var problems []string

	if c.Region == "" {
		problems = append(problems, "region is required (set --region, region in the config file, or AWS_REGION)")
	}
	if c.Timeouts.Run < 0 || c.Timeouts.Stack < 0 || c.Timeouts.Addon < 0 {
		problems = append(problems, "timeouts must not be negative")
	}
	if c.PollInterval < 0 {
		problems = append(problems, "poll_interval must not be negative")
	}
	for k := range c.Tags {
		if strings.HasPrefix(strings.ToLower(k), "aws:") {
			problems = append(problems, fmt.Sprintf("tag key %q uses the reserved aws: prefix", k))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func regionFromEnv() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	return os.Getenv("AWS_DEFAULT_REGION")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
